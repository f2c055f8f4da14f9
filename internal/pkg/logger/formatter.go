// Package logger's structured log entries for the protocol stack's
// own domain events (frame I/O, socket lifecycle, address resolution,
// client handshakes) — distinct from the generic Debug/Info/Warn/Error
// helpers in logger.go.
package logger

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// FormatTimestamp formats t at the millisecond precision every entry
// in this package uses.
func FormatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05.000")
}

// NowFormatted returns the current time formatted the same way.
func NowFormatted() string {
	return FormatTimestamp(time.Now())
}

// LogType names the kind of domain event an entry records.
type LogType string

const (
	// LinkLog records a frame handed to or received from a link driver.
	LinkLog LogType = "link"
	// ResolveLog records an ARP cache lookup or resolution attempt.
	ResolveLog LogType = "resolve"
	// SocketLog records a TCP/UDP socket lifecycle event.
	SocketLog LogType = "socket"
	// DHCPLog records a DHCP client lease event.
	DHCPLog LogType = "dhcp"
	// DNSLog records a DNS client query/response.
	DNSLog LogType = "dns"
	// SMTPLog records an SMTP client session event.
	SMTPLog LogType = "smtp"
	// SystemLog records stack startup/shutdown and component state.
	SystemLog LogType = "system"
	// ErrorLog records an error surfaced by any layer.
	ErrorLog LogType = "error"
)

// LinkLogEntry describes one frame crossing a link driver boundary.
type LinkLogEntry struct {
	Interface int    `json:"interface"`
	Direction string `json:"direction"` // "tx" or "rx"
	EtherType uint16 `json:"ether_type"`
	Bytes     int    `json:"bytes"`
}

// ResolveLogEntry describes one ARP resolution attempt.
type ResolveLogEntry struct {
	Interface int    `json:"interface"`
	Address   string `json:"address"`
	Hit       bool   `json:"hit"`
}

// SocketLogEntry describes one socket lifecycle transition.
type SocketLogEntry struct {
	Proto     string `json:"proto"` // "tcp" or "udp"
	SocketID  int    `json:"socket_id"`
	Event     string `json:"event"` // "open", "close", "listen", "reset"
	LocalPort uint16 `json:"local_port"`
	Peer      string `json:"peer"`
}

// LogFrame records a frame sent or received on an interface.
func LogFrame(iface int, direction string, etherType uint16, size int, err error) {
	if LoggerInstance == nil {
		return
	}

	entry := LinkLogEntry{
		Interface: iface,
		Direction: direction,
		EtherType: etherType,
		Bytes:     size,
	}

	fields := logrus.Fields{
		"type":       LinkLog,
		"interface":  entry.Interface,
		"direction":  entry.Direction,
		"ether_type": fmt.Sprintf("0x%04x", entry.EtherType),
		"bytes":      entry.Bytes,
	}

	if err != nil {
		fields["error"] = err.Error()
		LoggerInstance.logger.WithFields(fields).Warnf("frame %s failed on interface %d", direction, iface)
		return
	}
	LoggerInstance.logger.WithFields(fields).Debugf("frame %s on interface %d", direction, iface)
}

// LogResolve records an ARP lookup, hit or miss.
func LogResolve(iface int, addr string, hit bool) {
	if LoggerInstance == nil {
		return
	}

	entry := ResolveLogEntry{
		Interface: iface,
		Address:   addr,
		Hit:       hit,
	}

	fields := logrus.Fields{
		"type":      ResolveLog,
		"interface": entry.Interface,
		"address":   entry.Address,
		"hit":       entry.Hit,
	}

	if hit {
		LoggerInstance.logger.WithFields(fields).Debugf("resolved %s on interface %d", addr, iface)
	} else {
		LoggerInstance.logger.WithFields(fields).Warnf("failed to resolve %s on interface %d", addr, iface)
	}
}

// LogSocketEvent records a TCP/UDP socket lifecycle transition.
func LogSocketEvent(proto string, socketID int, event string, localPort uint16, peer string) {
	if LoggerInstance == nil {
		return
	}

	entry := SocketLogEntry{
		Proto:     proto,
		SocketID:  socketID,
		Event:     event,
		LocalPort: localPort,
		Peer:      peer,
	}

	fields := logrus.Fields{
		"type":       SocketLog,
		"proto":      entry.Proto,
		"socket_id":  entry.SocketID,
		"event":      entry.Event,
		"local_port": entry.LocalPort,
		"peer":       entry.Peer,
	}

	switch event {
	case "reset":
		LoggerInstance.logger.WithFields(fields).Warnf("%s socket %d reset", proto, socketID)
	default:
		LoggerInstance.logger.WithFields(fields).Infof("%s socket %d %s", proto, socketID, event)
	}
}

// LogDHCPLease records a DHCP client lease acquisition or renewal.
func LogDHCPLease(iface int, address string, leaseSeconds uint32, err error) {
	if LoggerInstance == nil {
		return
	}

	fields := logrus.Fields{
		"type":      DHCPLog,
		"interface": iface,
		"address":   address,
		"lease":     leaseSeconds,
	}

	if err != nil {
		fields["error"] = err.Error()
		LoggerInstance.logger.WithFields(fields).Errorf("dhcp lease failed on interface %d: %s", iface, err)
		return
	}
	LoggerInstance.logger.WithFields(fields).Infof("dhcp lease %s on interface %d (%ds)", address, iface, leaseSeconds)
}

// LogDNSQuery records a DNS client query and its outcome.
func LogDNSQuery(name string, server string, resolved string, err error) {
	if LoggerInstance == nil {
		return
	}

	fields := logrus.Fields{
		"type":   DNSLog,
		"name":   name,
		"server": server,
	}

	if err != nil {
		fields["error"] = err.Error()
		LoggerInstance.logger.WithFields(fields).Warnf("dns query for %s failed: %s", name, err)
		return
	}
	fields["resolved"] = resolved
	LoggerInstance.logger.WithFields(fields).Debugf("dns query for %s -> %s", name, resolved)
}

// LogSMTPEvent records a step in an SMTP client session (connect,
// HELO/MAIL FROM/RCPT TO/DATA, quit).
func LogSMTPEvent(server string, step string, err error) {
	if LoggerInstance == nil {
		return
	}

	fields := logrus.Fields{
		"type":   SMTPLog,
		"server": server,
		"step":   step,
	}

	if err != nil {
		fields["error"] = err.Error()
		LoggerInstance.logger.WithFields(fields).Errorf("smtp %s failed against %s: %s", step, server, err)
		return
	}
	LoggerInstance.logger.WithFields(fields).Infof("smtp %s against %s", step, server)
}

// LogError records an error surfaced by any layer, tagged with the
// component it came from.
func LogError(err error, component string, extraFields map[string]interface{}) {
	if LoggerInstance == nil || err == nil {
		return
	}

	fields := logrus.Fields{
		"type":      ErrorLog,
		"component": component,
		"error":     err.Error(),
	}

	for k, v := range extraFields {
		fields[k] = v
	}

	LoggerInstance.logger.WithFields(fields).Errorf("%s: %s", component, err.Error())
}

// LogInfo records a general informational message tagged with its
// originating component.
func LogInfo(message, component string, extraFields map[string]interface{}) {
	if LoggerInstance == nil || message == "" {
		return
	}

	fields := logrus.Fields{
		"type":      "info",
		"component": component,
	}
	for k, v := range extraFields {
		fields[k] = v
	}

	LoggerInstance.logger.WithFields(fields).Info(message)
}

// LogWarn records a warning message tagged with its originating
// component.
func LogWarn(message, component string, extraFields map[string]interface{}) {
	if LoggerInstance == nil || message == "" {
		return
	}

	fields := logrus.Fields{
		"type":      "warn",
		"component": component,
	}
	for k, v := range extraFields {
		fields[k] = v
	}

	LoggerInstance.logger.WithFields(fields).Warn(message)
}

// LogSystemEvent records stack startup/shutdown and component state
// changes.
func LogSystemEvent(component, event, message string, level LogLevel, extraFields map[string]interface{}) {
	if LoggerInstance == nil {
		return
	}

	logrusLevel := toLogrusLevel(level)

	fields := logrus.Fields{
		"type":      SystemLog,
		"component": component,
		"event":     event,
		"message":   message,
		"level":     logrusLevel.String(),
	}
	for k, v := range extraFields {
		fields[k] = v
	}

	switch logrusLevel {
	case logrus.DebugLevel:
		LoggerInstance.logger.WithFields(fields).Debug(fmt.Sprintf("system event: %s - %s", component, event))
	case logrus.WarnLevel:
		LoggerInstance.logger.WithFields(fields).Warn(fmt.Sprintf("system event: %s - %s", component, event))
	case logrus.ErrorLevel:
		LoggerInstance.logger.WithFields(fields).Error(fmt.Sprintf("system event: %s - %s", component, event))
	case logrus.FatalLevel:
		LoggerInstance.logger.WithFields(fields).Fatal(fmt.Sprintf("system event: %s - %s", component, event))
	default:
		LoggerInstance.logger.WithFields(fields).Info(fmt.Sprintf("system event: %s - %s", component, event))
	}
}

// LogLevel wraps logrus.Level so callers outside this package don't
// need to import logrus directly.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func toLogrusLevel(level LogLevel) logrus.Level {
	switch level {
	case DebugLevel:
		return logrus.DebugLevel
	case InfoLevel:
		return logrus.InfoLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	case FatalLevel:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

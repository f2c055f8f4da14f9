// Command hermesd runs the protocol stack daemon and its companion
// one-shot client subcommands (ping, dhcp, resolve, send-mail).
package main

func main() {
	Execute()
}

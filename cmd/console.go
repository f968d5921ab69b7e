package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/meshroute/meshroute/lib/directory"
	"github.com/meshroute/meshroute/lib/geohash"
	"github.com/meshroute/meshroute/lib/identity"
	"github.com/meshroute/meshroute/lib/node"
	"github.com/meshroute/meshroute/lib/router"
	"github.com/meshroute/meshroute/lib/transport"
)

var errQuit = errors.New("quit")

const consoleHelp = `commands:
  <text>                    send to the mesh channel
  /msg <peer> <text>        private message; <peer> is an address or fingerprint prefix
  /geo <geohash> <text>     send to a location channel
  /join <geohash>           join a location channel
  /leave <geohash>          leave a location channel
  /handshake <peer>         authenticate a peer now
  /peers                    list peers
  /help                     this text
  /quit                     exit`

// console prints the inbound stream and executes typed lines.
type console struct {
	n  *node.Node
	mu sync.Mutex
	w  io.Writer
}

var _ router.Observer = (*console)(nil)

func newConsole(n *node.Node, w io.Writer) *console {
	return &console{n: n, w: w}
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

func (c *console) OnMessage(msg router.InboundMessage) {
	channel := "mesh"
	switch {
	case msg.Private:
		channel = "private"
	case msg.Geohash != "":
		channel = "geo:" + msg.Geohash
	}
	mark := ""
	if msg.Verified() {
		mark = "+"
	}
	c.printf("[%s] %s%s: %s\n", channel, mark, msg.DisplayName, msg.Content)
}

func (c *console) OnPeerConnected(t transport.ID, addr identity.PeerAddress) {
	c.printf("* %s connected via %s\n", addr.Short(), t)
}

func (c *console) OnPeerDisconnected(t transport.ID, addr identity.PeerAddress) {
	c.printf("* %s left %s\n", addr.Short(), t)
}

func (c *console) OnPeersChanged([]directory.Peer) {}

// resolvePeer finds the address to reach for an address or a fingerprint
// prefix, plus the nickname to address it by.
func (c *console) resolvePeer(arg string) (identity.PeerAddress, string, error) {
	if addr, err := identity.ParsePeerAddress(arg); err == nil {
		nick := ""
		if p, ok := c.n.Router().Directory().PeerFor(addr); ok {
			nick = p.Nickname
		}
		return addr, nick, nil
	}
	arg = strings.ToLower(arg)
	var found []directory.Peer
	for _, p := range c.n.Router().Peers() {
		if strings.HasPrefix(p.Key.Fingerprint.String(), arg) || strings.EqualFold(p.Nickname, arg) {
			found = append(found, p)
		}
	}
	switch {
	case len(found) == 0:
		return identity.PeerAddress{}, "", fmt.Errorf("no peer matches %q", arg)
	case len(found) > 1:
		return identity.PeerAddress{}, "", fmt.Errorf("%q matches %d peers", arg, len(found))
	}
	p := found[0]
	for _, s := range p.Snapshots {
		if s.Connected {
			return s.Address, p.Nickname, nil
		}
	}
	return identity.PeerAddress{}, "", fmt.Errorf("%s is not connected", p.Nickname)
}

func parseLocation(hash string) (geohash.ChannelID, error) {
	return geohash.ParseChannelID("geo:" + hash)
}

// exec runs one input line. It returns errQuit on /quit.
func (c *console) exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return c.n.Router().Broadcast(ctx, line, nil)
	}

	verb, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	arg, text, _ := strings.Cut(rest, " ")
	text = strings.TrimSpace(text)

	switch verb {
	case "quit", "exit":
		return errQuit
	case "help":
		c.printf("%s\n", consoleHelp)
		return nil
	case "peers":
		c.printPeers()
		return nil
	case "msg":
		if arg == "" || text == "" {
			return fmt.Errorf("usage: /msg <peer> <text>")
		}
		addr, nick, err := c.resolvePeer(arg)
		if err != nil {
			return err
		}
		_, err = c.n.SendPrivate(ctx, text, addr, nick)
		return err
	case "handshake":
		addr, _, err := c.resolvePeer(arg)
		if err != nil {
			return err
		}
		return c.n.Manager().Request(ctx, addr)
	case "geo", "join", "leave":
		ch, err := parseLocation(arg)
		if err != nil {
			return err
		}
		switch verb {
		case "join":
			return c.n.Router().JoinChannel(ctx, ch)
		case "leave":
			return c.n.Router().LeaveChannel(ctx, ch)
		}
		if text == "" {
			return fmt.Errorf("usage: /geo <geohash> <text>")
		}
		return c.n.Router().SendChannel(ctx, ch, text, nil)
	default:
		return fmt.Errorf("unknown command /%s, try /help", verb)
	}
}

func (c *console) printPeers() {
	peers := c.n.Router().Peers()
	lines := make([]string, 0, len(peers))
	for _, p := range peers {
		state := "away"
		if p.Connected {
			state = "here"
		}
		transports := make([]string, 0, len(p.Transports()))
		for _, t := range p.Transports() {
			transports = append(transports, string(t))
		}
		lines = append(lines, fmt.Sprintf("  %-24s %-16s %s [%s]", p.Key, p.Nickname, state, strings.Join(transports, ",")))
	}
	c.printf("%d peers\n", len(peers))
	for _, l := range lines {
		c.printf("%s\n", l)
	}
}

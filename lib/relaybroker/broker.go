// Package relaybroker runs an embedded MQTT broker that relay transports
// can use as their store-and-forward hop. Clients may read and write only
// under the configured topic root.
package relaybroker

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/meshroute/meshroute/lib/util/logger"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/samber/oops"
)

// Options configures a Broker.
type Options struct {
	// Listen is the TCP address, e.g. ":1883". ":0" picks a free port.
	Listen string
	// TopicRoot limits client access to TopicRoot/#.
	TopicRoot string
}

// Broker wraps a mochi server with one TCP listener.
type Broker struct {
	server *mqtt.Server
	tcp    *listeners.TCP
	hook   *presenceHook

	closeOnce sync.Once
}

// New configures the broker and binds its listener. Serve starts it.
func New(opts Options) (*Broker, error) {
	if opts.Listen == "" {
		opts.Listen = ":1883"
	}
	root := strings.Trim(opts.TopicRoot, "/")
	if root == "" {
		root = "meshroute"
	}

	server := mqtt.New(&mqtt.Options{
		Logger: log.Slog("relaybroker"),
	})

	err := server.AddHook(new(auth.Hook), &auth.Options{
		Ledger: &auth.Ledger{
			Auth: auth.AuthRules{{Allow: true}},
			ACL: auth.ACLRules{{
				Filters: auth.Filters{
					auth.RString(root + "/#"): auth.ReadWrite,
				},
			}},
		},
	})
	if err != nil {
		return nil, oops.In("relaybroker").Wrapf(err, "add auth hook")
	}

	hook := new(presenceHook)
	if err := server.AddHook(hook, nil); err != nil {
		return nil, oops.In("relaybroker").Wrapf(err, "add presence hook")
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "relay-tcp", Address: opts.Listen})
	if err := server.AddListener(tcp); err != nil {
		return nil, oops.In("relaybroker").With("listen", opts.Listen).Wrapf(err, "add listener")
	}
	return &Broker{server: server, tcp: tcp, hook: hook}, nil
}

// Serve starts accepting clients and returns once the listener runs.
func (b *Broker) Serve() error {
	if err := b.server.Serve(); err != nil {
		return oops.In("relaybroker").Wrapf(err, "serve")
	}
	log.WithFields(logger.Fields{
		"at":     "(Broker) Serve",
		"listen": b.Addr(),
	}).Info("relay broker listening")
	return nil
}

// Addr is the bound listener address.
func (b *Broker) Addr() string { return b.tcp.Address() }

// URL is a paho broker URL for Addr.
func (b *Broker) URL() string {
	addr := b.Addr()
	if strings.HasPrefix(addr, "[::]:") || strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1:" + addr[strings.LastIndex(addr, ":")+1:]
	}
	return "tcp://" + addr
}

// Clients is the number of connected clients.
func (b *Broker) Clients() int { return int(b.hook.clients.Load()) }

func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.server.Close()
	})
	return err
}

// presenceHook logs client lifecycle through the package logger.
type presenceHook struct {
	mqtt.HookBase
	clients atomic.Int64
}

func (h *presenceHook) ID() string { return "meshroute-presence" }

func (h *presenceHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnect,
		mqtt.OnDisconnect,
	}, []byte{b})
}

func (h *presenceHook) OnConnect(cl *mqtt.Client, pk packets.Packet) error {
	n := h.clients.Add(1)
	log.WithFields(logger.Fields{
		"at":      "(presenceHook) OnConnect",
		"client":  cl.ID,
		"clients": n,
	}).Debug("relay client connected")
	return nil
}

func (h *presenceHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	n := h.clients.Add(-1)
	fields := logger.Fields{
		"at":      "(presenceHook) OnDisconnect",
		"client":  cl.ID,
		"clients": n,
		"expire":  expire,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	log.WithFields(fields).Debug("relay client disconnected")
}

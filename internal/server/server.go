// Package server runs the framed wire.Packet event loop over a host
// connection (stdio or TCP) and the interactive stdin admin UI described
// in spec.md §6: Q/QUIT to stop, A<drv>:<path> to assign a drive, D to
// dump the drive table, *=+/*=- to toggle advanced (1581-style)
// wildcards.
//
// Grounded on original_source/pcserver/fsser.c's single-threaded main
// loop (read one command, dispatch, write one reply) and
// original_source/pcserver/in_ui.c's stdin command line, generalised
// from its raw read()/termios plumbing to bufio.Scanner plus
// wire.Reader/Writer over whatever io.ReadWriteCloser Config.Transport
// names.
package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"fsserver/internal/config"
	"fsserver/internal/dispatch"
	"fsserver/internal/drive"
	"fsserver/internal/provider"
	"fsserver/internal/wire"
)

// Server ties a drive table, provider registry and dispatcher to a
// transport, plus the stdin admin UI.
type Server struct {
	Config   config.Config
	Drives   *drive.Table
	Registry *provider.Registry
	Dispatch *dispatch.Dispatcher
	Log      *logrus.Entry

	// NoAdminUI disables the stdin admin UI entirely (spec.md §6's -D
	// daemonise flag), regardless of transport.
	NoAdminUI bool
}

// New builds a Server from cfg: registers the built-in providers,
// creates the drive table, pre-assigns cfg.Drives, and wires the
// dispatcher.
func New(cfg config.Config, log *logrus.Entry) (*Server, error) {
	reg := provider.NewRegistry()
	provider.RegisterDefaults(reg)

	drives := drive.NewTable(reg)
	s := &Server{
		Config:   cfg,
		Drives:   drives,
		Registry: reg,
		Dispatch: dispatch.New(drives, reg, log),
		Log:      log,
	}

	ctx := context.Background()
	for _, d := range cfg.Drives {
		scheme := d.Provider
		if scheme == "" {
			scheme = "fs"
		}
		if err := drives.Assign(ctx, d.Drive, scheme, d.Location); err != nil {
			return nil, errors.Wrapf(err, "server: pre-assign drive %d", d.Drive)
		}
		log.Infof("drive %d assigned to %s:%s", d.Drive, scheme, d.Location)
	}
	return s, nil
}

// openTransport opens the host connection named by cfg.Transport:
// "stdio" uses os.Stdin/os.Stdout, "serial:<device>" opens the device
// read/write as it is (line settings are left unchanged), "tcp:<addr>"
// listens once and accepts a single connection, matching fsser.c's
// one-host-at-a-time model.
func openTransport(transport string) (io.ReadCloser, io.WriteCloser, func() error, error) {
	if transport == "" || transport == "stdio" {
		return os.Stdin, os.Stdout, func() error { return nil }, nil
	}
	if strings.HasPrefix(transport, "serial:") {
		dev := strings.TrimPrefix(transport, "serial:")
		f, err := os.OpenFile(dev, os.O_RDWR, 0)
		if err != nil {
			return nil, nil, nil, errors.Wrapf(err, "server: open %s", dev)
		}
		return f, f, func() error { return nil }, nil
	}
	if strings.HasPrefix(transport, "tcp:") {
		addr := strings.TrimPrefix(transport, "tcp:")
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, nil, nil, errors.Wrapf(err, "server: listen %s", addr)
		}
		conn, err := ln.Accept()
		if err != nil {
			ln.Close()
			return nil, nil, nil, errors.Wrap(err, "server: accept")
		}
		return conn, conn, ln.Close, nil
	}
	return nil, nil, nil, errors.Errorf("server: unknown transport %q", transport)
}

// Run opens the transport named by s.Config.Transport, starts the stdin
// admin UI in the background, and serves packets until the connection
// closes or the admin UI issues Q/QUIT.
func (s *Server) Run(ctx context.Context) error {
	rc, wc, closeListener, err := openTransport(s.Config.Transport)
	if err != nil {
		return err
	}
	defer closeListener()
	defer rc.Close()
	defer wc.Close()
	defer func() {
		if err := s.Registry.CloseAll(); err != nil {
			s.Log.WithError(err).Warn("error releasing provider endpoints")
		}
	}()

	reader := wire.NewReader(rc)
	writer := wire.NewWriter(wc)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.runAdminUI(ctx, cancel)

	s.Log.Infof("%s serving on %s", s.Config.ServerName, s.Config.Transport)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		pkt, err := reader.ReadPacket()
		if err != nil {
			if err == io.EOF {
				s.Log.Info("host closed connection")
				return nil
			}
			s.Log.WithError(err).Warn("read error, resyncing")
			if err := writer.WriteSync(); err != nil {
				return err
			}
			continue
		}
		if pkt.Cmd == wire.FS_SYNC {
			if err := writer.WriteSync(); err != nil {
				return err
			}
			continue
		}

		reply := s.Dispatch.Handle(ctx, pkt)
		if err := writer.WritePacket(reply); err != nil {
			return errors.Wrap(err, "server: write reply")
		}
	}
}

// runAdminUI implements spec.md §6's interactive stdin commands. It only
// starts when the host transport is not itself stdio (stdio serves the
// protocol and can't also host a line-oriented UI).
func (s *Server) runAdminUI(ctx context.Context, cancel context.CancelFunc) {
	if s.NoAdminUI {
		return
	}
	if s.Config.Transport == "" || s.Config.Transport == "stdio" {
		return
	}
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "Q" || line == "QUIT" || line == "q" || line == "quit":
			s.Log.Info("admin UI: shutdown requested")
			cancel()
			return
		case line == "D" || line == "d":
			for _, row := range s.Drives.Dump() {
				fmt.Println(row)
			}
		case line == "*=+":
			s.Dispatch.SetAdvancedWildcards(true)
			fmt.Println("advanced wildcards on")
		case line == "*=-":
			s.Dispatch.SetAdvancedWildcards(false)
			fmt.Println("advanced wildcards off")
		case strings.HasPrefix(line, "A"):
			s.handleAssignCommand(ctx, line[1:])
		default:
			fmt.Println("? unknown command")
		}
	}
}

// handleAssignCommand parses "<drv>:<path>" (note the colon, distinct
// from the CLI -A flag's "=" per spec.md §6's stdin UI grammar) and
// assigns it to the fs provider, or to the provider named by a leading
// "fs:", "di:", "http:", "ftp:" or "tcp:" prefix on the path.
func (s *Server) handleAssignCommand(ctx context.Context, rest string) {
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		fmt.Println("? usage: A<drv>:<path>")
		return
	}
	n, err := strconv.Atoi(rest[:colon])
	if err != nil {
		fmt.Println("? invalid drive number")
		return
	}
	path := rest[colon+1:]
	scheme, location := "fs", path
	if c := strings.IndexByte(path, ':'); c >= 0 {
		candidate := path[:c]
		switch candidate {
		case "fs", "di", "http", "ftp", "tcp":
			scheme, location = candidate, path[c+1:]
		}
	}
	if err := s.Drives.Assign(ctx, n, scheme, location); err != nil {
		fmt.Printf("? assign failed: %v\n", err)
		return
	}
	fmt.Printf("drive %d assigned to %s:%s\n", n, scheme, location)
}

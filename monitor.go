package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/mattn/go-tty"
	"go.bug.st/serial"

	"github.com/cei-upm/cbsafe/registers"
)

// monitor connects the terminal to the board's UART: everything the board
// prints is copied to stdout and every key is sent to the board. Ctrl-C ends
// the session.
func monitor(port string, baud int) error {
	if port == "" {
		ports, err := registers.Ports()
		if err != nil {
			return err
		}
		switch len(ports) {
		case 0:
			return errors.New("no serial port available")
		case 1:
			port = ports[0]
		default:
			return fmt.Errorf("multiple serial ports available, choose one with -port: %v", ports)
		}
	}

	p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return fmt.Errorf("monitor: %s: %w", port, err)
	}
	defer p.Close()

	t, err := tty.Open()
	if err != nil {
		return err
	}
	defer t.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	fmt.Fprintf(os.Stderr, "Connected to %s. Press Ctrl-C to exit.\n", port)

	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(os.Stdout, p)
		errCh <- err
	}()
	go func() {
		for {
			r, err := t.ReadRune()
			if err != nil {
				errCh <- err
				return
			}
			if r == 0x03 {
				// Ctrl-C in raw mode.
				errCh <- nil
				return
			}
			if r == 0 {
				continue
			}
			if _, err := p.Write([]byte(string(r))); err != nil {
				errCh <- err
				return
			}
		}
	}()

	select {
	case <-sig:
		return nil
	case err := <-errCh:
		return err
	}
}

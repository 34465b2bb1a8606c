// Package spinning shows a spinning symbol with the elapsed time while a long operation (loading
// images, running the model) is executing, and handles graceful interruption of the binaries.
package spinning

import (
	"context"
	"fmt"
	"golang.org/x/term"
	"k8s.io/klog/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

var (
	ThemeAscii = []rune(`|/-\`)
	ThemeMoon  = []rune("🌑🌒🌓🌔🌕🌖🌗🌘")

	// Theme used by New. It defaults to ThemeAscii.
	Theme = ThemeAscii
)

// SafeInterrupt captures SIGINT (Ctrl+C) and SIGTERM and calls onInterrupt in a separate goroutine.
// If the program hasn't exited after gracePeriod, it resets the terminal and exits.
//
// A second interrupt exits immediately.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigChan
		fmt.Println()
		klog.Errorf("Got interrupted (signal %q), shutting down... (%s)", s, gracePeriod)
		if onInterrupt != nil {
			go onInterrupt()
		}
		select {
		case s = <-sigChan:
			Reset()
			klog.Fatalf("Interrupted again (signal %q), exiting.", s)
		case <-time.After(gracePeriod):
			Reset()
			klog.Fatalf("Graceful shutting down %s period expired, exiting.", gracePeriod)
		}
	}()
}

// Reset terminal: make cursor visible, restore default terminal colors.
func Reset() {
	fmt.Print("\033[?25h\033[39;49;0m\n")
}

// Spinning display started by New.
type Spinning struct {
	wg     sync.WaitGroup
	cancel func()
}

// New starts a spinning display with the message and the elapsed time, in a separate goroutine.
// It stops when Spinning.Done is called or ctx is cancelled.
//
// If the standard output is not a terminal, nothing is displayed.
func New(ctx context.Context, message string) *Spinning {
	s := &Spinning{}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return s
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		start := time.Now()
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		fmt.Print("\033[?25l")       // Hide cursor.
		defer fmt.Print("\033[?25h") // Restore cursor.
		for idx := 0; ; idx = (idx + 1) % len(Theme) {
			fmt.Printf("\r%c %s (%s)\033[K", Theme[idx], message, time.Since(start).Round(time.Second))
			select {
			case <-ctx.Done():
				fmt.Print("\r\033[K")
				return
			case <-ticker.C:
			}
		}
	}()
	return s
}

// Done stops the spinning display and waits for it to clear.
func (s *Spinning) Done() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}

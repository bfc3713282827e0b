package browser

// Interrupt handling: on a process interrupt signal, send an
// interrupt-class signal directly to every child process, across both
// active and retired instances, swallowing any error (the child may
// already be dead). Intentionally blunt and synchronous: it prioritises
// no-orphaned-children over orderly shutdown. See SPEC_FULL.md §4.5.

import (
	"os"
	"os/signal"
	"syscall"
)

func (p *Pool) installInterruptHook() {
	p.sigCh = make(chan os.Signal, 1)
	p.interruptDone = make(chan struct{})
	signal.Notify(p.sigCh, os.Interrupt, syscall.SIGTERM)
	go p.watchInterrupt()
}

func (p *Pool) watchInterrupt() {
	defer close(p.interruptDone)
	sig, ok := <-p.sigCh
	if !ok {
		return
	}
	p.log.Warn().Str("signal", sig.String()).Msg("process interrupt received, signalling all browser processes")
	p.signalAllChildren()
}

func (p *Pool) signalAllChildren() {
	p.mu.Lock()
	procs := make([]*os.Process, 0, len(p.active)+len(p.retired))
	for _, inst := range p.active {
		if inst.process != nil {
			procs = append(procs, inst.process)
		}
	}
	for _, inst := range p.retired {
		if inst.process != nil {
			procs = append(procs, inst.process)
		}
	}
	p.mu.Unlock()

	for _, proc := range procs {
		_ = proc.Signal(os.Interrupt)
	}
}

func (p *Pool) stopInterruptHook() {
	if p.sigCh == nil {
		return
	}
	signal.Stop(p.sigCh)
	close(p.sigCh)
	<-p.interruptDone
}

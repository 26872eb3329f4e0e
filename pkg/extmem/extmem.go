// Package extmem brings up the external memory controller and gates
// all access to it. BringUp programs the controller, sweeps
// write/read-back patterns over the region and hands back a Bank; the
// Bank is the only accessor, so nothing can touch the region before
// validation has passed. What happens on a failed bring-up (halt the
// runtime, or run without the transfer path) is a configured policy.
package extmem

import (
	"errors"
	"fmt"

	"github.com/golang/glog"
)

// Region describes the controller's address window. Addresses on the
// Controller are byte addresses inside this window, word aligned.
type Region struct {
	Base  uint32
	Words uint32 // 32-bit words
}

// Bytes returns the window length in bytes.
func (r Region) Bytes() int64 { return int64(r.Words) * 4 }

// Controller is the driver capability the bring-up consumes: an init
// handshake plus word-wide access to the region. Implementations are
// not safe for concurrent use; the Bank serializes access.
type Controller interface {
	Region() Region
	Init() error
	ReadWord(addr uint32) (uint32, error)
	WriteWord(addr uint32, v uint32) error
}

// Policy decides what a failed bring-up does to the runtime.
type Policy int

const (
	// PolicyHalt exits the runtime on bring-up failure.
	PolicyHalt Policy = iota
	// PolicyDegrade runs without the subsystems that need the
	// memory; everything else continues.
	PolicyDegrade
)

// String implements fmt.Stringer.
func (p Policy) String() string {
	if p == PolicyDegrade {
		return "degrade"
	}
	return "halt"
}

// ParsePolicy reads a policy from configuration. Empty means halt.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "halt":
		return PolicyHalt, nil
	case "degrade":
		return PolicyDegrade, nil
	}
	return PolicyHalt, fmt.Errorf("extmem: unknown policy %q", s)
}

// BringUpError names the failing address and pattern of a validation
// sweep, or wraps the controller fault that stopped it.
type BringUpError struct {
	Pattern string
	Addr    uint32
	Want    uint32
	Got     uint32
	Cause   error
}

// Error implements error.
func (e *BringUpError) Error() string {
	switch {
	case e.Cause != nil && e.Pattern == "init":
		return fmt.Sprintf("extmem: init: %v", e.Cause)
	case e.Cause != nil:
		return fmt.Sprintf("extmem: %s sweep at 0x%08x: %v", e.Pattern, e.Addr, e.Cause)
	default:
		return fmt.Sprintf("extmem: %s mismatch at 0x%08x: want 0x%08x, got 0x%08x",
			e.Pattern, e.Addr, e.Want, e.Got)
	}
}

// Unwrap exposes the controller fault, if any.
func (e *BringUpError) Unwrap() error { return e.Cause }

// patterns are swept in order; the constants catch stuck data bits,
// address-in-address catches shorted or dead address lines.
var patterns = []struct {
	name  string
	value func(addr uint32) uint32
}{
	{"aaaa5555", func(uint32) uint32 { return 0xAAAA5555 }},
	{"5555aaaa", func(uint32) uint32 { return 0x5555AAAA }},
	{"address", func(addr uint32) uint32 { return addr }},
}

// BringUp runs the init sequence and the validation sweeps, then
// clears the region and returns its Bank. The result is a pure
// function of the controller's responses, so a retry against the same
// fault reports the same failure.
func BringUp(ctrl Controller) (*Bank, error) {
	r := ctrl.Region()
	if r.Words == 0 {
		return nil, errors.New("extmem: empty region")
	}
	if err := ctrl.Init(); err != nil {
		return nil, &BringUpError{Pattern: "init", Cause: err}
	}
	if err := validate(ctrl, r.Base, r.Words, sampleStride(r.Words)); err != nil {
		return nil, err
	}
	for i := uint32(0); i < r.Words; i++ {
		addr := r.Base + 4*i
		if err := ctrl.WriteWord(addr, 0); err != nil {
			return nil, &BringUpError{Pattern: "clear", Addr: addr, Cause: err}
		}
	}
	glog.Infof("extmem: %d KiB validated at 0x%08x", r.Bytes()/1024, r.Base)
	return &Bank{ctrl: ctrl, region: r}, nil
}

// sampleStride spaces the validation sample so large regions stay
// within a bounded sweep; odd so the sample never lines up with a
// power-of-two address fault.
func sampleStride(words uint32) uint32 {
	stride := words / 1024
	if stride == 0 {
		return 1
	}
	if stride%2 == 0 {
		stride++
	}
	return stride
}

// validate writes a whole sweep before reading any of it back, so a
// write that disturbs another cell is caught, not masked.
func validate(ctrl Controller, base, words, stride uint32) error {
	for _, p := range patterns {
		for i := uint32(0); i < words; i += stride {
			addr := base + 4*i
			if err := ctrl.WriteWord(addr, p.value(addr)); err != nil {
				return &BringUpError{Pattern: p.name, Addr: addr, Cause: err}
			}
		}
		for i := uint32(0); i < words; i += stride {
			addr := base + 4*i
			got, err := ctrl.ReadWord(addr)
			if err != nil {
				return &BringUpError{Pattern: p.name, Addr: addr, Cause: err}
			}
			if want := p.value(addr); got != want {
				return &BringUpError{Pattern: p.name, Addr: addr, Want: want, Got: got}
			}
		}
		glog.V(2).Infof("extmem: pattern %s clean", p.name)
	}
	return nil
}

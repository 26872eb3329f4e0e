package extmem

import (
	"errors"
	"fmt"
)

// SimController emulates a word-wide external memory controller for
// tests and host runs. Fault knobs are plain fields set before use;
// responses are a pure function of them, so repeated bring-ups see
// identical behavior.
type SimController struct {
	region Region
	mem    []uint32
	inited bool

	// FailInit makes Init report a handshake failure.
	FailInit bool
	// StuckMask bits read back as zero at StuckAddr.
	StuckAddr uint32
	StuckMask uint32
	// AliasMask marks address-offset bits a broken decoder ignores,
	// folding distinct addresses onto one cell.
	AliasMask uint32
}

// NewSim builds a simulated controller over region.
func NewSim(region Region) *SimController {
	return &SimController{region: region, mem: make([]uint32, region.Words)}
}

// Region implements Controller.
func (s *SimController) Region() Region { return s.region }

// Init implements Controller.
func (s *SimController) Init() error {
	if s.FailInit {
		return errors.New("mode register handshake timed out")
	}
	s.inited = true
	return nil
}

func (s *SimController) index(addr uint32) (uint32, error) {
	if !s.inited {
		return 0, errors.New("extmem: controller not initialized")
	}
	if addr%4 != 0 {
		return 0, fmt.Errorf("extmem: unaligned access at 0x%08x", addr)
	}
	if addr < s.region.Base || addr >= s.region.Base+4*s.region.Words {
		return 0, fmt.Errorf("extmem: address 0x%08x outside region", addr)
	}
	off := (addr - s.region.Base) &^ s.AliasMask
	return off / 4, nil
}

// ReadWord implements Controller.
func (s *SimController) ReadWord(addr uint32) (uint32, error) {
	i, err := s.index(addr)
	if err != nil {
		return 0, err
	}
	v := s.mem[i]
	if addr == s.StuckAddr {
		v &^= s.StuckMask
	}
	return v, nil
}

// WriteWord implements Controller.
func (s *SimController) WriteWord(addr uint32, v uint32) error {
	i, err := s.index(addr)
	if err != nil {
		return err
	}
	s.mem[i] = v
	return nil
}

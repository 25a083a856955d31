// Package otp issues short-lived one-time passcodes bound to a device.
package otp

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type entry struct {
	deviceID string
	expires  time.Time
}

// Provider mints and redeems one-time passcodes. Codes expire after ttl
// and can be redeemed once.
type Provider struct {
	mu    sync.Mutex
	codes map[string]entry
	ttl   time.Duration
	now   func() time.Time
}

func NewProvider(ttl time.Duration) *Provider {
	return &Provider{
		codes: make(map[string]entry),
		ttl:   ttl,
		now:   time.Now,
	}
}

// GetOtp mints a passcode for deviceID.
func (p *Provider) GetOtp(deviceID string) string {
	code := uuid.New().String()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepLocked()
	p.codes[code] = entry{deviceID: deviceID, expires: p.now().Add(p.ttl)}
	return code
}

// Redeem consumes code and returns the device it was issued for.
func (p *Provider) Redeem(code string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.codes[code]
	if !ok {
		return "", false
	}
	delete(p.codes, code)
	if !p.now().Before(e.expires) {
		return "", false
	}
	return e.deviceID, true
}

func (p *Provider) sweepLocked() {
	now := p.now()
	for code, e := range p.codes {
		if !now.Before(e.expires) {
			delete(p.codes, code)
		}
	}
}

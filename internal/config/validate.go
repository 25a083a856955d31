package config

import (
	"fmt"
	"net/url"
	"time"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validRecordingBackends = map[string]bool{
	"none": true,
	"file": true,
	"s3":   true,
}

// Validate checks the config for invalid values and returns all errors found.
// Non-positive timeouts and buffer sizes are clamped to their defaults so a
// bad value can never produce an unbounded wait.
func (c *Config) Validate() []error {
	var errs []error
	d := Default()

	if c.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("listen_addr is required"))
	}

	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("public_url %q is not a valid URL: %w", c.PublicURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("public_url scheme must be http or https, got %q", u.Scheme))
		}
	}

	if !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}

	clamp := func(name string, v *time.Duration, def time.Duration) {
		if *v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, using %s", name, def))
			*v = def
		}
	}
	clamp("stream.wait_timeout", &c.Stream.WaitTimeout, d.Stream.WaitTimeout)
	clamp("stream.idle_ttl", &c.Stream.IdleTTL, d.Stream.IdleTTL)
	clamp("bootstrap.ready_timeout", &c.Bootstrap.ReadyTimeout, d.Bootstrap.ReadyTimeout)
	clamp("consent.timeout", &c.Consent.Timeout, d.Consent.Timeout)
	clamp("otp.ttl", &c.OTP.TTL, d.OTP.TTL)
	clamp("lockout.duration", &c.Lockout.Duration, d.Lockout.Duration)

	if c.Stream.ChunkBuffer < 1 {
		errs = append(errs, fmt.Errorf("stream.chunk_buffer must be at least 1"))
		c.Stream.ChunkBuffer = d.Stream.ChunkBuffer
	}
	if c.Lockout.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("lockout.max_attempts must be at least 1"))
		c.Lockout.MaxAttempts = d.Lockout.MaxAttempts
	}
	if c.API.RateLimit <= 0 || c.API.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("api.rate_limit and api.rate_burst must be positive"))
		c.API.RateLimit = d.API.RateLimit
		c.API.RateBurst = d.API.RateBurst
	}

	if !validRecordingBackends[c.Recording.Backend] {
		errs = append(errs, fmt.Errorf("recording.backend %q is not one of none, file, s3", c.Recording.Backend))
		c.Recording.Backend = "none"
	}
	if c.Recording.Backend == "s3" && c.Recording.S3Bucket == "" {
		errs = append(errs, fmt.Errorf("recording.s3_bucket is required for the s3 backend"))
	}
	if (c.Recording.S3AccessKeyID == "") != (c.Recording.S3SecretAccessKey == "") {
		errs = append(errs, fmt.Errorf("recording.s3_access_key_id and recording.s3_secret_access_key must be set together"))
	}

	return errs
}

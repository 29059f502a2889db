// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
)

// ErrMissingSecret indicates a named secret variable is unset or
// empty. The wrapped message carries the variable name.
var ErrMissingSecret = errors.New("secret environment variable is not set")

// Key seals the OpenAI API key from the environment into an enclave.
//
// # Description
//
// The key is copied straight from the environment into a memguard
// enclave and the working copy is wiped by the seal; no plain-text
// field ever holds it. The process environment block itself is
// outside memguard's reach, which is as good as it gets for
// env-delivered secrets.
//
// # Outputs
//
//   - *memguard.Enclave: The sealed key, ready for the embedder.
//   - error: ErrMissingSecret when the variable is unset or empty.
func (c OpenAIEmbedderConfig) Key() (*memguard.Enclave, error) {
	name := c.APIKeyEnv
	if name == "" {
		name = "OPENAI_API_KEY"
	}
	return sealEnv(name)
}

// Token reads the InfluxDB write token from the environment. Empty is
// fine; unauthenticated dev servers accept it.
func (c InfluxConfig) Token() string {
	name := c.TokenEnv
	if name == "" {
		name = "INFLUX_TOKEN"
	}
	return os.Getenv(name)
}

// sealEnv copies one environment variable into an enclave.
func sealEnv(name string) (*memguard.Enclave, error) {
	v := os.Getenv(name)
	if v == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingSecret, name)
	}
	return memguard.NewEnclave([]byte(v)), nil
}

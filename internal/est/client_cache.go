/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package est

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// ClientCache provides thread-safe caching of EST clients so the pinned TLS
// configuration is built once per distinct endpoint configuration. Clients
// are cached by a hash of their configuration, so different issuers get
// different clients while the same issuer reuses its client across
// reconciliations. Cached trust anchors are read-only snapshots; an issuer
// spec change produces a new hash and therefore a new client.
type ClientCache struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewClientCache creates a new ClientCache instance.
func NewClientCache() *ClientCache {
	return &ClientCache{
		clients: make(map[string]Client),
	}
}

// configHash generates a unique hash for a Config to use as a cache key.
func configHash(config *Config) string {
	h := sha256.New()
	h.Write([]byte(config.Host))
	h.Write([]byte(strconv.Itoa(config.port())))
	h.Write([]byte(config.Label))
	h.Write(config.AnchorPEM)
	h.Write([]byte(config.Timeout.String()))
	return hex.EncodeToString(h.Sum(nil))
}

// GetOrCreate returns a cached client for the given config, or creates a new
// one if none exists.
func (c *ClientCache) GetOrCreate(ctx context.Context, config *Config) (Client, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	key := configHash(config)
	logger := log.FromContext(ctx)

	c.mu.RLock()
	if cached, ok := c.clients[key]; ok {
		c.mu.RUnlock()
		logger.V(1).Info("Reusing cached EST client", "cacheKey", key[:12])
		return cached, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if cached, ok := c.clients[key]; ok {
		logger.V(1).Info("Reusing cached EST client (after lock)", "cacheKey", key[:12])
		return cached, nil
	}

	logger.Info("Creating new EST client (will be cached for future requests)", "cacheKey", key[:12])

	client, err := NewClient(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create EST client: %w", err)
	}
	c.clients[key] = client
	return client, nil
}

// Invalidate removes the cached client for the given config. Called when an
// issuer fails permanently, so a client that will never be used again does
// not outlive its issuer's working configuration.
func (c *ClientCache) Invalidate(config *Config) {
	key := configHash(config)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, key)
}

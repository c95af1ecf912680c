// Copyright 2018 The go-klaytn Authors
// This file is part of the go-klaytn library.
//
// The go-klaytn library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-klaytn library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-klaytn library. If not, see <http://www.gnu.org/licenses/>.

package common

import (
	"errors"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ground-x/nodep2p/log"
)

var logger = log.NewModuleLogger(log.Common)

// Cache is the fixed-capacity, evicting key/value store behind the
// deduplication queues. The interface stays narrow (Add/Get/Contains/
// Remove/Len/Purge) rather than exposing the full hashicorp/golang-lru
// surface.
type Cache interface {
	Add(key interface{}, value interface{}) (evicted bool)
	Get(key interface{}) (value interface{}, ok bool)
	Contains(key interface{}) bool
	Remove(key interface{})
	Len() int
	Purge()
}

type lruCache struct {
	lru *lru.Cache
}

func (c *lruCache) Add(key, value interface{}) (evicted bool) { return c.lru.Add(key, value) }
func (c *lruCache) Get(key interface{}) (interface{}, bool)   { return c.lru.Get(key) }
func (c *lruCache) Contains(key interface{}) bool              { return c.lru.Contains(key) }
func (c *lruCache) Remove(key interface{})                     { c.lru.Remove(key) }
func (c *lruCache) Len() int                                   { return c.lru.Len() }
func (c *lruCache) Purge()                                     { c.lru.Purge() }

// CacheConfiger builds a concrete Cache. A plain bounded LRU is the only
// shape this codebase needs: oldest-wins eviction is exactly what §4.5 of
// the packet dedup spec calls for, and the discovery directory (buckets.go)
// tracks its own last-seen timestamps directly rather than through a cache.
type CacheConfiger interface {
	NewCache() (Cache, error)
}

// LRUConfig builds a plain bounded LRU cache.
type LRUConfig struct {
	CacheSize int
}

func (c LRUConfig) NewCache() (Cache, error) {
	if c.CacheSize <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	l, err := lru.New(c.CacheSize)
	if err != nil {
		return nil, err
	}
	return &lruCache{l}, nil
}

func NewCache(config CacheConfiger) (Cache, error) {
	if config == nil {
		return nil, errors.New("cache config is nil")
	}
	return config.NewCache()
}

//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package redis builds redis clients for the checkpoint backends and keeps a
// registry of named instances.
package redis

import (
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

var (
	registryMu    sync.RWMutex
	redisRegistry = map[string][]ClientBuilderOpt{}
)

type clientBuilder func(builderOpts ...ClientBuilderOpt) (redis.UniversalClient, error)

var globalBuilder clientBuilder = DefaultClientBuilder

// SetClientBuilder sets the redis client builder.
func SetClientBuilder(builder clientBuilder) {
	globalBuilder = builder
}

// GetClientBuilder gets the redis client builder.
func GetClientBuilder() clientBuilder {
	return globalBuilder
}

// ClientBuilderOpts are the connection settings of a client. URL wins over
// Addr when both are set.
type ClientBuilderOpts struct {
	URL      string
	Addr     string
	Password string
	DB       int
}

// ClientBuilderOpt is the option for the redis client.
type ClientBuilderOpt func(*ClientBuilderOpts)

// WithClientBuilderURL sets the redis url.
// scheme: redis://<username>:<password>@<host>:<port>/<db>?<options>
func WithClientBuilderURL(url string) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.URL = url
	}
}

// WithAddr sets host:port, password and database index.
func WithAddr(addr, password string, db int) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.Addr = addr
		opts.Password = password
		opts.DB = db
	}
}

// DefaultClientBuilder is the default redis client builder. It does not
// connect; the first command does.
func DefaultClientBuilder(builderOpts ...ClientBuilderOpt) (redis.UniversalClient, error) {
	o := &ClientBuilderOpts{}
	for _, opt := range builderOpts {
		opt(o)
	}
	switch {
	case o.URL != "":
		opts, err := redis.ParseURL(o.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url %s: %w", o.URL, err)
		}
		return redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        []string{opts.Addr},
			DB:           opts.DB,
			Username:     opts.Username,
			Password:     opts.Password,
			Protocol:     opts.Protocol,
			TLSConfig:    opts.TLSConfig,
			DialTimeout:  opts.DialTimeout,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			PoolSize:     opts.PoolSize,
		}), nil
	case o.Addr != "":
		return redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{o.Addr},
			Password: o.Password,
			DB:       o.DB,
		}), nil
	default:
		return nil, fmt.Errorf("redis: url is empty")
	}
}

// RegisterRedisInstance registers options under name.
func RegisterRedisInstance(name string, opts ...ClientBuilderOpt) {
	registryMu.Lock()
	defer registryMu.Unlock()
	redisRegistry[name] = append(redisRegistry[name], opts...)
}

// GetRedisInstance returns the options registered under name.
func GetRedisInstance(name string) ([]ClientBuilderOpt, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	opts, ok := redisRegistry[name]
	return opts, ok
}

// NewInstanceClient builds a client from a registered instance.
func NewInstanceClient(name string) (redis.UniversalClient, error) {
	opts, ok := GetRedisInstance(name)
	if !ok {
		return nil, fmt.Errorf("redis: instance %q not registered", name)
	}
	return globalBuilder(opts...)
}

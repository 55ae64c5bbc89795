package main

import (
	"github.com/apify/mcpc/internal/bridge"
	"github.com/apify/mcpc/internal/config"
	"github.com/apify/mcpc/internal/keychain"
	"github.com/apify/mcpc/internal/paths"
	"github.com/apify/mcpc/internal/session"
)

// app bundles the stores and the bridge manager every command needs.
type app struct {
	registry *session.Registry
	profiles *config.ProfileStore
	store    keychain.Store
	manager  *bridge.Manager
}

func newApp() (*app, error) {
	registry, err := session.NewRegistry()
	if err != nil {
		return nil, err
	}
	profiles, err := config.NewProfileStore()
	if err != nil {
		return nil, err
	}
	home, err := paths.HomeDir()
	if err != nil {
		return nil, err
	}
	store, err := keychain.NewStore(keychain.ModeAuto, home)
	if err != nil {
		return nil, err
	}
	manager, err := bridge.NewManager(registry, store)
	if err != nil {
		return nil, err
	}
	return &app{
		registry: registry,
		profiles: profiles,
		store:    store,
		manager:  manager,
	}, nil
}

func (a *app) sessionClient(name string) *bridge.SessionClient {
	return bridge.NewSessionClient(name, a.manager, a.registry)
}

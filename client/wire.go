package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mahaj/groupsync/pkg/api"
	"github.com/mahaj/groupsync/pkg/auth"
	"github.com/mahaj/groupsync/pkg/cache"
	"github.com/mahaj/groupsync/pkg/journal"
	"github.com/mahaj/groupsync/pkg/metrics"
	"github.com/mahaj/groupsync/pkg/push"
	"github.com/mahaj/groupsync/pkg/session"
	"github.com/mahaj/groupsync/pkg/snowflake"
)

func (a *app) tokens() auth.TokenSource {
	if a.cfg.Token == "" {
		return nil
	}
	return auth.StaticToken(a.cfg.Token)
}

// uid returns the configured user id, falling back to the token's.
func (a *app) uid() (string, error) {
	if a.cfg.UID != "" {
		return a.cfg.UID, nil
	}
	if a.cfg.Token == "" {
		return "", fmt.Errorf("no user id: pass --uid or --token")
	}
	claims, err := auth.ParseIdentity(a.cfg.Token)
	if err != nil {
		return "", err
	}
	return claims.UID(), nil
}

func (a *app) apiClient() (*api.Client, error) {
	return api.New(a.cfg.APIURL, api.WithTokenSource(a.tokens()), api.WithLogger(a.log.Named("api")))
}

func (a *app) dialer() *push.Dialer {
	return &push.Dialer{
		URL:    a.cfg.PushURL,
		Tokens: a.tokens(),
		Log:    a.log.Named("push"),
	}
}

func (a *app) cacheStore() (cache.Store, error) {
	switch a.cfg.Cache.Backend {
	case cache.BackendPebble:
		return cache.OpenPebble(a.cfg.Cache.Path)
	case cache.BackendRedis:
		return cache.NewRedis(a.cfg.Cache.RedisAddr, a.cfg.Cache.TTL), nil
	default:
		return cache.Nop{}, nil
	}
}

func (a *app) journal() journal.Sink {
	if len(a.cfg.Journal.Brokers) == 0 {
		return journal.Discard{}
	}
	return journal.NewKafka(a.cfg.Journal.Brokers, a.cfg.Journal.Topic, a.log.Named("journal"))
}

// deps are the long-lived resources of a session; close releases them.
type deps struct {
	session *session.Session
	client  *api.Client
	cache   cache.Store
	journal journal.Sink
}

func (d *deps) close() {
	d.session.Close()
	d.journal.Close()
	d.cache.Close()
}

func (a *app) newSession(reg prometheus.Registerer, onChange func()) (*deps, error) {
	uid, err := a.uid()
	if err != nil {
		return nil, err
	}
	client, err := a.apiClient()
	if err != nil {
		return nil, err
	}
	store, err := a.cacheStore()
	if err != nil {
		return nil, err
	}
	node, err := snowflake.NewNode(0)
	if err != nil {
		store.Close()
		return nil, err
	}
	sink := a.journal()

	s, err := session.New(session.Config{
		Backend:             client,
		Subscriber:          session.Dialer{Dialer: a.dialer()},
		UID:                 uid,
		UserName:            a.cfg.UserName,
		PageSize:            a.cfg.PageSize,
		ReadReceiptInterval: a.cfg.ReadReceiptInterval,
		Cache:               store,
		Journal:             sink,
		Metrics:             metrics.New(reg),
		IDs:                 node,
		Log:                 a.log.Named("session"),
		ClientID:            client.ClientID(),
		OnChange:            onChange,
	})
	if err != nil {
		sink.Close()
		store.Close()
		return nil, err
	}
	return &deps{session: s, client: client, cache: store, journal: sink}, nil
}

package modules

import (
	"context"
	"time"

	"csms/internal/broker"
	"csms/internal/services"
	"csms/internal/store"

	"github.com/sirupsen/logrus"
)

// Set is every business module wired to one store and broker.
type Set struct {
	Host         *Host
	Provisioning *Provisioning
	EVDriver     *EVDriver
	Transactions *Transactions
}

type SetOptions struct {
	TenantId     string
	BootProfiles services.BootProfileSource
	MaxEventSkew time.Duration
}

// NewSet builds the modules and their action table. It fails when the table is
// incomplete or an action has two owners.
func NewSet(b broker.Broker, s store.Store, opts SetOptions, log *logrus.Entry) (*Set, error) {
	seq := services.NewSequenceGenerator(s)
	host := NewHost(b, s, nil, opts.TenantId, log.WithField("component", "modules"))

	set := &Set{
		Host: host,
		Provisioning: &Provisioning{
			Boot:     services.NewBootService(s, opts.BootProfiles, log.WithField("component", "boot")),
			Seq:      seq,
			Stations: s,
			Host:     host,
			Log:      log.WithField("component", "provisioning"),
		},
		EVDriver: &EVDriver{
			Auth:      s,
			LocalList: services.NewLocalListService(s, log.WithField("component", "locallist")),
			Seq:       seq,
			Host:      host,
			Log:       log.WithField("component", "evdriver"),
		},
		Transactions: &Transactions{
			Tx:   services.NewTransactionService(s, opts.MaxEventSkew, log.WithField("component", "transactions")),
			Seq:  seq,
			Auth: s,
			Log:  log.WithField("component", "transactions"),
		},
	}
	table, err := BuildTable(set.Provisioning, set.EVDriver, set.Transactions)
	if err != nil {
		return nil, err
	}
	host.table = table
	return set, nil
}

func (s *Set) Start(ctx context.Context) error { return s.Host.Start(ctx) }

func (s *Set) Stop() { s.Host.Stop() }

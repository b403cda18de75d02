package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"csms/internal/config"
	"csms/internal/db"
	"csms/internal/logging"
	"csms/internal/models"
	"csms/internal/repo"
	"csms/internal/store"
)

func main() {
	id := flag.String("id", "CS-123", "station id")
	protocol := flag.String("protocol", models.ProtocolOCPP201, "ocpp1.6 or ocpp2.0.1")
	vendor := flag.String("vendor", "ABB", "vendor")
	model := flag.String("model", "Terra54", "model")
	status := flag.String("status", "", "optional registration status to persist (Accepted, Pending, Rejected)")
	locationName := flag.String("location", "", "optional location name (created if missing)")
	pricePerKwh := flag.Float64("price_per_kwh", 0, "optional per-kWh tariff for connector 1 of EVSE 1")
	currency := flag.String("currency", "USD", "tariff currency")
	tokens := flag.String("tokens", "", "comma separated id tokens to authorize")
	group := flag.String("group", "", "optional group id token the seeded tokens belong to")
	tokenType := flag.String("token_type", "ISO14443", "id token type")
	flag.Parse()

	log := logging.NewDefault("seed")
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("connect")
	}
	defer d.Close()
	if err := d.Bootstrap(ctx); err != nil {
		log.WithError(err).Fatal("bootstrap")
	}
	s := repo.NewStore(d.Pool)

	err = s.WithStation(ctx, *id, func(ctx context.Context, q store.Queries) error {
		if err := q.UpsertStation(ctx, models.Station{StationId: *id, Protocol: *protocol, Vendor: *vendor, Model: *model}); err != nil {
			return err
		}
		if *locationName != "" {
			locId, err := q.CreateLocation(ctx, *locationName)
			if err != nil {
				return err
			}
			if err := q.SetStationLocation(ctx, *id, locId); err != nil {
				return err
			}
		}
		if *pricePerKwh > 0 {
			tariffId, err := q.UpsertTariff(ctx, models.Tariff{PricePerKwh: *pricePerKwh, Currency: *currency})
			if err != nil {
				return err
			}
			evse, err := q.FindOrCreateEvse(ctx, *id, 1)
			if err != nil {
				return err
			}
			c, err := q.FindOrCreateConnector(ctx, *id, evse.Id, 1)
			if err != nil {
				return err
			}
			if err := q.SetConnectorTariff(ctx, c.Id, tariffId); err != nil {
				return err
			}
		}
		if *status != "" {
			st := models.RegistrationStatus(*status)
			if !st.Valid() {
				return fmt.Errorf("invalid status %q", *status)
			}
			if err := q.SaveBootRecord(ctx, models.BootRecord{StationId: *id, Status: st}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Fatal("seed station")
	}

	var groupId *int64
	if *group != "" {
		gid, err := s.UpsertAuthorization(ctx, models.Authorization{IdToken: *group, IdTokenType: *tokenType, Status: models.AuthAccepted})
		if err != nil {
			log.WithError(err).Fatal("seed group")
		}
		groupId = &gid
	}
	seeded := 0
	for _, tok := range strings.Split(*tokens, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if _, err := s.UpsertAuthorization(ctx, models.Authorization{
			IdToken:              tok,
			IdTokenType:          *tokenType,
			Status:               models.AuthAccepted,
			GroupAuthorizationId: groupId,
		}); err != nil {
			log.WithError(err).WithField("token", tok).Fatal("seed authorization")
		}
		seeded++
	}
	fmt.Println("Seeded station:", *id, "protocol=", *protocol, "authorizations=", seeded)
}

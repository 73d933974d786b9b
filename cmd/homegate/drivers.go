package main

import (
	"fmt"
	"time"

	"github.com/nerrad567/homegate/internal/infrastructure/config"
	"github.com/nerrad567/homegate/internal/infrastructure/logging"
	"github.com/nerrad567/homegate/internal/protocol"
	"github.com/nerrad567/homegate/internal/transport"
	"github.com/nerrad567/homegate/internal/transport/arduino"
	"github.com/nerrad567/homegate/internal/transport/knx"
	"github.com/nerrad567/homegate/internal/transport/mqtt"
	"github.com/nerrad567/homegate/internal/transport/nats"
	"github.com/nerrad567/homegate/internal/transport/ssh"
)

// buildDrivers returns the enabled protocol drivers in catalog order.
func buildDrivers(cfg config.DriversConfig, log *logging.Logger) []transport.Driver {
	var drivers []transport.Driver

	if cfg.Arduino.Enabled {
		drivers = append(drivers, arduino.New(arduino.Config{
			WriteTimeout: time.Duration(cfg.Arduino.WriteTimeout) * time.Millisecond,
		}))
	}
	if cfg.SSH.Enabled {
		drivers = append(drivers, ssh.New(ssh.Config{
			User:                     cfg.SSH.User,
			KeyPath:                  cfg.SSH.KeyPath,
			Passphrase:               []byte(cfg.SSH.Passphrase),
			KnownHostsPath:           cfg.SSH.KnownHostsPath,
			InsecureSkipHostKeyCheck: cfg.SSH.InsecureSkipHostKeyCheck,
		}))
	}
	if cfg.MQTT.Enabled {
		d := mqtt.New(cfg.MQTT)
		d.SetLogger(log)
		drivers = append(drivers, d)
	}
	if cfg.KNX.Enabled {
		d := knx.New()
		d.SetLogger(log)
		drivers = append(drivers, d)
	}
	if cfg.NATS.Enabled {
		drivers = append(drivers, nats.New(nats.Config{
			Name:  cfg.NATS.Name,
			Token: cfg.NATS.Token,
		}))
	}
	return drivers
}

// buildCatalog lists every driver's protocol followed by the extra
// declarations. Extra protocols have no driver: actionners can be
// registered for them but commands fail as unavailable.
func buildCatalog(drivers []transport.Driver, extra []config.ProtocolDecl) (*protocol.Catalog, error) {
	protos := make([]protocol.Protocol, 0, len(drivers)+len(extra))
	for _, d := range drivers {
		protos = append(protos, d.Protocol())
	}
	for _, p := range extra {
		protos = append(protos, protocol.Protocol{
			Name:              p.Name,
			Description:       p.Description,
			SupportedCommands: p.Commands,
		})
	}

	catalog, err := protocol.NewCatalog(protos...)
	if err != nil {
		return nil, fmt.Errorf("building protocol catalog: %w", err)
	}
	return catalog, nil
}

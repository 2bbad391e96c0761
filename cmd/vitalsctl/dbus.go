package main

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	godbus "github.com/godbus/dbus/v5"

	"github.com/cptspacemanspiff/vitals-monitor/internal/collector"
	dbussvc "github.com/cptspacemanspiff/vitals-monitor/internal/dbus"
	"github.com/cptspacemanspiff/vitals-monitor/internal/monitor"
)

type dbusClient struct {
	conn *godbus.Conn
	obj  godbus.BusObject
}

func newDBusClient() (*dbusClient, error) {
	conn, err := godbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	obj := conn.Object(dbussvc.BusName, dbussvc.ObjectPath)
	return &dbusClient{conn: conn, obj: obj}, nil
}

func (c *dbusClient) Close() error {
	return c.conn.Close()
}

func (c *dbusClient) callJSON(ctx context.Context, method string, out any, args ...any) error {
	var jsonStr string
	err := c.obj.CallWithContext(ctx, dbussvc.Interface+"."+method, 0, args...).Store(&jsonStr)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if err := json.Unmarshal([]byte(jsonStr), out); err != nil {
		return fmt.Errorf("decode %s reply: %w", method, err)
	}
	return nil
}

func (c *dbusClient) GetCurrentStats(ctx context.Context) (*collector.VitalsSample, error) {
	var sample collector.VitalsSample
	if err := c.callJSON(ctx, "GetCurrentStats", &sample); err != nil {
		return nil, err
	}
	return &sample, nil
}

func (c *dbusClient) GetHistory(ctx context.Context, window string, bucketMinutes int32) (*dbussvc.History, error) {
	var h dbussvc.History
	if err := c.callJSON(ctx, "GetHistory", &h, window, bucketMinutes); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *dbusClient) GetSnapshot(ctx context.Context) (map[string]string, error) {
	var snap map[string]string
	if err := c.callJSON(ctx, "GetSnapshot", &snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Watch delivers VitalsUpdated signals to fn until ctx is done.
func (c *dbusClient) Watch(ctx context.Context, fn func(monitor.LiveUpdate)) error {
	if err := c.conn.AddMatchSignalContext(ctx,
		godbus.WithMatchObjectPath(dbussvc.ObjectPath),
		godbus.WithMatchInterface(dbussvc.Interface),
		godbus.WithMatchMember("VitalsUpdated"),
	); err != nil {
		return fmt.Errorf("subscribe VitalsUpdated: %w", err)
	}

	signals := make(chan *godbus.Signal, 16)
	c.conn.Signal(signals)
	defer c.conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("session bus connection closed")
			}
			if sig.Name != dbussvc.UpdatedSignal {
				continue
			}
			u, err := dbussvc.ParseSignal(sig.Body)
			if err != nil {
				return err
			}
			fn(u)
		}
	}
}

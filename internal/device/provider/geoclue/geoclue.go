// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package geoclue implements a device location provider backed by the GeoClue2 D-Bus service.
package geoclue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/wneessen/vendorloc/internal/device"
	"github.com/wneessen/vendorloc/internal/geo"
	"github.com/wneessen/vendorloc/internal/logger"
)

const (
	name = "geoclue"

	serviceName   = "org.freedesktop.GeoClue2"
	managerPath   = dbus.ObjectPath("/org/freedesktop/GeoClue2/Manager")
	managerIface  = serviceName + ".Manager"
	clientIface   = serviceName + ".Client"
	locationIface = serviceName + ".Location"
	agentName     = serviceName + ".DemoAgent"

	dbusListNames            = "org.freedesktop.DBus.ListNames"
	dbusListActivatableNames = "org.freedesktop.DBus.ListActivatableNames"
	dbusAccessDenied         = "org.freedesktop.DBus.Error.AccessDenied"

	signalLocationUpdated = "LocationUpdated"
	signalBufferSize      = 8
	cleanupTimeout        = 2 * time.Second
)

// GeoClue2 accuracy levels as defined by the GClueAccuracyLevel enum.
const (
	levelNone         uint32 = 0
	levelCountry      uint32 = 1
	levelCity         uint32 = 4
	levelNeighborhood uint32 = 5
	levelStreet       uint32 = 6
	levelExact        uint32 = 8
)

var ErrLocationNotAccurate = errors.New("location service is not accurate enough")

// busObject is the subset of dbus.BusObject the provider talks to.
type busObject interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
	GetProperty(p string) (dbus.Variant, error)
	SetProperty(p string, v interface{}) error
}

// session is a connection to the bus hosting GeoClue2.
type session interface {
	object(path dbus.ObjectPath) busObject
	names(ctx context.Context) ([]string, error)
	subscribe(path dbus.ObjectPath) (<-chan *dbus.Signal, error)
	close() error
}

// Provider talks to GeoClue2 on the system bus. Every operation opens its own client so that
// concurrent one-shot fixes and watches do not share GeoClue state.
type Provider struct {
	name      string
	desktopID string
	logger    *logger.Logger

	connect      func(ctx context.Context) (session, error)
	agentRunning func(ctx context.Context) (bool, error)
}

// New returns a GeoClue2 Provider that registers its clients with the given desktop ID.
func New(desktopID string, log *logger.Logger) *Provider {
	return &Provider{
		name:         name,
		desktopID:    desktopID,
		logger:       log,
		connect:      connectSystemBus,
		agentRunning: agentIsRunning,
	}
}

func (p *Provider) Name() string {
	return p.name
}

// ServicesEnabled reports whether GeoClue2 is available on the system bus and able to deliver at
// least city level accuracy.
func (p *Provider) ServicesEnabled(ctx context.Context) (enabled bool, err error) {
	conn, err := p.connect(ctx)
	if err != nil {
		return false, nil
	}
	defer closeSession(conn, &err)

	names, err := conn.names(ctx)
	if err != nil {
		return false, err
	}
	found := false
	for _, n := range names {
		if strings.EqualFold(n, serviceName) {
			found = true
			break
		}
	}
	if !found {
		return false, nil
	}

	variant, err := conn.object(managerPath).GetProperty(managerIface + ".AvailableAccuracyLevel")
	if err != nil {
		return false, fmt.Errorf("failed to read available accuracy level: %w", err)
	}
	level, ok := variant.Value().(uint32)
	if !ok {
		return false, fmt.Errorf("unexpected accuracy level type %T", variant.Value())
	}
	return level >= levelCity, nil
}

// PermissionGranted reports whether a GeoClue2 agent is running that will authorize our clients.
func (p *Provider) PermissionGranted(ctx context.Context) (bool, error) {
	return p.agentRunning(ctx)
}

// RequestPermission starts a short-lived client. GeoClue2 asks its agent for authorization when
// the client starts, so a refused start means the permission was denied.
func (p *Provider) RequestPermission(ctx context.Context) (granted bool, err error) {
	conn, err := p.connect(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	defer closeSession(conn, &err)

	client, err := p.newClient(ctx, conn, accuracyLevel(device.AccuracyLow))
	if err != nil {
		return false, err
	}
	defer p.releaseClient(conn, client)

	if err = conn.object(client).CallWithContext(ctx, clientIface+".Start", 0).Err; err != nil {
		if isAccessDenied(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to start geoclue client: %w", err)
	}
	return true, nil
}

// Position starts a client and waits for its first location.
func (p *Provider) Position(ctx context.Context, accuracy device.Accuracy) (fix device.Fix, err error) {
	conn, err := p.connect(ctx)
	if err != nil {
		return fix, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	defer closeSession(conn, &err)

	client, err := p.newClient(ctx, conn, accuracyLevel(accuracy))
	if err != nil {
		return fix, err
	}
	defer p.releaseClient(conn, client)

	signals, err := conn.subscribe(client)
	if err != nil {
		return fix, fmt.Errorf("failed to subscribe to location updates: %w", err)
	}
	if err = p.start(ctx, conn, client); err != nil {
		return fix, err
	}

	// A running GeoClue2 might already hold a location for the client
	if path, ok := p.currentLocation(conn, client); ok {
		return p.readLocation(conn, path)
	}

	for {
		select {
		case <-ctx.Done():
			return fix, fmt.Errorf("%w: %w", device.ErrNoFix, ctx.Err())
		case sgn, ok := <-signals:
			if !ok {
				return fix, fmt.Errorf("%w: bus connection closed", device.ErrNoFix)
			}
			path, ok := parseLocationUpdated(sgn, client)
			if !ok {
				continue
			}
			return p.readLocation(conn, path)
		}
	}
}

// Watch streams GeoClue2 location updates. GeoClue2 applies the time and distance thresholds
// itself, so every LocationUpdated signal becomes a fix.
func (p *Provider) Watch(ctx context.Context, opts device.WatchOptions) (<-chan device.Fix, error) {
	conn, err := p.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	client, err := p.newClient(ctx, conn, accuracyLevel(opts.Accuracy))
	if err != nil {
		_ = conn.close()
		return nil, err
	}

	obj := conn.object(client)
	if err = obj.SetProperty(clientIface+".TimeThreshold",
		dbus.MakeVariant(uint32(opts.TimeInterval/time.Second))); err != nil {
		p.releaseClient(conn, client)
		_ = conn.close()
		return nil, fmt.Errorf("failed to set time threshold: %w", err)
	}
	if err = obj.SetProperty(clientIface+".DistanceThreshold",
		dbus.MakeVariant(uint32(opts.DistanceInterval))); err != nil {
		p.releaseClient(conn, client)
		_ = conn.close()
		return nil, fmt.Errorf("failed to set distance threshold: %w", err)
	}

	signals, err := conn.subscribe(client)
	if err != nil {
		p.releaseClient(conn, client)
		_ = conn.close()
		return nil, fmt.Errorf("failed to subscribe to location updates: %w", err)
	}
	if err = p.start(ctx, conn, client); err != nil {
		p.releaseClient(conn, client)
		_ = conn.close()
		return nil, err
	}

	stream := device.NewStream(signalBufferSize)
	go func() {
		defer stream.Close()
		defer func() {
			p.releaseClient(conn, client)
			if err := conn.close(); err != nil {
				p.logger.Error("failed to close system bus connection", logger.Err(err))
			}
		}()

		if path, ok := p.currentLocation(conn, client); ok {
			if !p.sendLocation(ctx, stream, conn, path) {
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case sgn, ok := <-signals:
				if !ok {
					stream.Send(ctx, device.Fix{Source: p.name, At: time.Now(),
						Err: errors.New("system bus connection closed")})
					return
				}
				path, ok := parseLocationUpdated(sgn, client)
				if !ok {
					continue
				}
				if !p.sendLocation(ctx, stream, conn, path) {
					return
				}
			}
		}
	}()
	return stream.C(), nil
}

func (p *Provider) sendLocation(ctx context.Context, stream *device.Stream, conn session, path dbus.ObjectPath) bool {
	fix, err := p.readLocation(conn, path)
	if err != nil {
		p.logger.Debug("failed to read geoclue location", logger.Err(err))
		fix = device.Fix{Source: p.name, At: time.Now(), Err: err}
	}
	return stream.Send(ctx, fix)
}

// newClient asks the manager for a client object and configures it.
func (p *Provider) newClient(ctx context.Context, conn session, level uint32) (dbus.ObjectPath, error) {
	var client dbus.ObjectPath
	if err := conn.object(managerPath).CallWithContext(ctx, managerIface+".GetClient", 0).Store(&client); err != nil {
		return "", fmt.Errorf("failed to get geoclue client: %w", err)
	}
	obj := conn.object(client)
	if err := obj.SetProperty(clientIface+".DesktopId", dbus.MakeVariant(p.desktopID)); err != nil {
		return "", fmt.Errorf("failed to set desktop id: %w", err)
	}
	if err := obj.SetProperty(clientIface+".RequestedAccuracyLevel", dbus.MakeVariant(level)); err != nil {
		return "", fmt.Errorf("failed to set requested accuracy level: %w", err)
	}
	return client, nil
}

func (p *Provider) start(ctx context.Context, conn session, client dbus.ObjectPath) error {
	if err := conn.object(client).CallWithContext(ctx, clientIface+".Start", 0).Err; err != nil {
		if isAccessDenied(err) {
			return fmt.Errorf("failed to start geoclue client: %w", device.ErrPermissionDenied)
		}
		return fmt.Errorf("failed to start geoclue client: %w", err)
	}
	return nil
}

// releaseClient stops the client and hands it back to the manager. It must not depend on the
// caller's context, which is usually done by now.
func (p *Provider) releaseClient(conn session, client dbus.ObjectPath) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := conn.object(client).CallWithContext(ctx, clientIface+".Stop", 0).Err; err != nil {
		p.logger.Debug("failed to stop geoclue client", slog.String("client", string(client)), logger.Err(err))
	}
	if err := conn.object(managerPath).CallWithContext(ctx, managerIface+".DeleteClient", 0, client).Err; err != nil {
		p.logger.Debug("failed to delete geoclue client", slog.String("client", string(client)), logger.Err(err))
	}
}

func (p *Provider) currentLocation(conn session, client dbus.ObjectPath) (dbus.ObjectPath, bool) {
	variant, err := conn.object(client).GetProperty(clientIface + ".Location")
	if err != nil {
		return "", false
	}
	path, ok := variant.Value().(dbus.ObjectPath)
	if !ok || path == "/" || !path.IsValid() {
		return "", false
	}
	return path, true
}

func (p *Provider) readLocation(conn session, path dbus.ObjectPath) (device.Fix, error) {
	obj := conn.object(path)
	lat, err := floatProperty(obj, locationIface+".Latitude")
	if err != nil {
		return device.Fix{}, err
	}
	lon, err := floatProperty(obj, locationIface+".Longitude")
	if err != nil {
		return device.Fix{}, err
	}
	acc, err := floatProperty(obj, locationIface+".Accuracy")
	if err != nil {
		return device.Fix{}, err
	}
	pos := geo.Position{Latitude: lat, Longitude: lon}
	if !pos.Valid() {
		return device.Fix{}, fmt.Errorf("%w: invalid coordinates %s", device.ErrNoFix, pos)
	}
	return device.Fix{
		Position:       pos.Truncated(),
		AccuracyMeters: acc,
		At:             time.Now(),
		Source:         p.name,
	}, nil
}

func floatProperty(obj busObject, prop string) (float64, error) {
	variant, err := obj.GetProperty(prop)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", prop, err)
	}
	value, ok := variant.Value().(float64)
	if !ok {
		return 0, fmt.Errorf("unexpected type %T for %s", variant.Value(), prop)
	}
	return value, nil
}

// parseLocationUpdated returns the new location path of a LocationUpdated signal for client.
func parseLocationUpdated(sgn *dbus.Signal, client dbus.ObjectPath) (dbus.ObjectPath, bool) {
	if sgn == nil || sgn.Path != client || sgn.Name != clientIface+"."+signalLocationUpdated {
		return "", false
	}
	if len(sgn.Body) != 2 {
		return "", false
	}
	path, ok := sgn.Body[1].(dbus.ObjectPath)
	if !ok || !path.IsValid() {
		return "", false
	}
	return path, true
}

// accuracyLevel maps an accuracy hint to the GeoClue2 accuracy level we request.
func accuracyLevel(accuracy device.Accuracy) uint32 {
	switch accuracy {
	case device.AccuracyLow:
		return levelCity
	case device.AccuracyHigh:
		return levelExact
	default:
		return levelStreet
	}
}

func isAccessDenied(err error) bool {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return dbusErr.Name == dbusAccessDenied
	}
	var dbusErrPtr *dbus.Error
	if errors.As(err, &dbusErrPtr) {
		return dbusErrPtr.Name == dbusAccessDenied
	}
	return false
}

func closeSession(conn session, err *error) {
	if closeErr := conn.close(); closeErr != nil {
		*err = errors.Join(*err, fmt.Errorf("failed to close system bus: %w", closeErr))
	}
}

// agentIsRunning checks the session bus for the GeoClue2 demo agent, which answers GeoClue2's
// authorization requests.
func agentIsRunning(ctx context.Context) (isRunning bool, err error) {
	var list []string
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close session bus: %w", closeErr))
		}
	}()

	if err = conn.BusObject().CallWithContext(ctx, dbusListNames, 0).Store(&list); err != nil {
		return false, fmt.Errorf("failed to call DBus ListNames: %w", err)
	}
	for _, v := range list {
		if strings.EqualFold(v, agentName) {
			return true, nil
		}
	}
	return false, nil
}

// systemBus is the session implementation on top of a real system bus connection.
type systemBus struct {
	conn    *dbus.Conn
	signals chan *dbus.Signal
}

func connectSystemBus(ctx context.Context) (session, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return &systemBus{conn: conn}, nil
}

func (b *systemBus) object(path dbus.ObjectPath) busObject {
	return b.conn.Object(serviceName, path)
}

func (b *systemBus) names(ctx context.Context) ([]string, error) {
	var running, activatable []string
	if err := b.conn.BusObject().CallWithContext(ctx, dbusListNames, 0).Store(&running); err != nil {
		return nil, fmt.Errorf("failed to call DBus ListNames: %w", err)
	}
	if err := b.conn.BusObject().CallWithContext(ctx, dbusListActivatableNames, 0).Store(&activatable); err != nil {
		return nil, fmt.Errorf("failed to call DBus ListActivatableNames: %w", err)
	}
	return append(running, activatable...), nil
}

func (b *systemBus) subscribe(path dbus.ObjectPath) (<-chan *dbus.Signal, error) {
	if err := b.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(clientIface),
		dbus.WithMatchMember(signalLocationUpdated),
	); err != nil {
		return nil, err
	}
	b.signals = make(chan *dbus.Signal, signalBufferSize)
	b.conn.Signal(b.signals)
	return b.signals, nil
}

func (b *systemBus) close() error {
	if b.signals != nil {
		b.conn.RemoveSignal(b.signals)
	}
	return b.conn.Close()
}

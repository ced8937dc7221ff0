// Package permission gates tracking behind the user-granted capabilities
// it needs: notifications, a notification channel where the platform
// requires one, and foreground plus background location.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"backend-transittrack/internal/domain"
	"backend-transittrack/internal/platform"
)

const (
	CapabilityNotifications      = "notifications"
	CapabilityChannel            = "notification_channel"
	CapabilityLocationForeground = "location_foreground"
	CapabilityLocationBackground = "location_background"
)

// DeniedError reports the capability the user still has to grant.
type DeniedError struct {
	Capability string
	Reason     string
}

func (e *DeniedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s", e.Capability, domain.ErrPermissionDenied)
	}
	return fmt.Sprintf("%s: %s: %s", e.Capability, domain.ErrPermissionDenied, e.Reason)
}

func (e *DeniedError) Unwrap() error { return domain.ErrPermissionDenied }

// ErrRememberedDenial is the reason given when a foreground denial was
// recorded earlier and the user has not asked to retry.
var ErrRememberedDenial = errors.New("denied earlier; waiting for user retry")

type Options struct {
	ChannelID     string
	ChannelConfig platform.ChannelConfig
	Logger        *slog.Logger
}

// Gate caches granted capabilities so repeated calls do not prompt again.
type Gate struct {
	perms    platform.Permissions
	notifier platform.Notifier
	opts     Options
	logger   *slog.Logger

	mu               sync.Mutex
	notifications    bool
	channelReady     bool
	channelErr       error
	foreground       bool
	background       bool
	foregroundDenied bool
}

func NewGate(perms platform.Permissions, notifier platform.Notifier, opts Options) *Gate {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ChannelConfig.Name == "" {
		opts.ChannelConfig = platform.ChannelConfig{
			Name:        "Location tracking",
			Description: "Shown while your trip location is being shared",
			Importance:  3,
		}
	}
	return &Gate{perms: perms, notifier: notifier, opts: opts, logger: logger}
}

// EnsureCapabilities walks every capability continuous tracking needs.
func (g *Gate) EnsureCapabilities(ctx context.Context) error {
	if err := g.EnsureNotifications(ctx); err != nil {
		return err
	}
	if err := g.EnsureChannel(ctx); err != nil {
		return err
	}
	return g.EnsureLocation(ctx, true)
}

func (g *Gate) EnsureNotifications(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.notifications {
		return nil
	}
	status, err := g.perms.RequestNotifications(ctx)
	if err != nil {
		return fmt.Errorf("request notifications: %w", err)
	}
	if status != platform.PermissionGranted {
		return &DeniedError{Capability: CapabilityNotifications, Reason: string(status)}
	}
	g.notifications = true
	return nil
}

// EnsureChannel creates the notification channel once. A failed creation
// is kept and returned until Retry is called.
func (g *Gate) EnsureChannel(ctx context.Context) error {
	if !g.notifier.RequiresChannel() {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.channelReady {
		return nil
	}
	if g.channelErr != nil {
		return g.channelErr
	}
	if err := g.notifier.CreateChannel(ctx, g.opts.ChannelID, g.opts.ChannelConfig); err != nil {
		g.channelErr = fmt.Errorf("create notification channel %q: %w", g.opts.ChannelID, err)
		g.logger.Error("notification channel creation failed", "channel", g.opts.ChannelID, "error", err)
		return g.channelErr
	}
	g.channelReady = true
	return nil
}

// EnsureLocation requests foreground location and, when background is set,
// background location after it. A foreground denial is remembered.
func (g *Gate) EnsureLocation(ctx context.Context, background bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.foreground {
		if g.foregroundDenied {
			return &DeniedError{Capability: CapabilityLocationForeground, Reason: ErrRememberedDenial.Error()}
		}
		status, err := g.perms.RequestLocation(ctx, platform.ScopeForeground)
		if err != nil {
			return fmt.Errorf("request foreground location: %w", err)
		}
		if status != platform.PermissionGranted {
			if status == platform.PermissionDenied {
				g.foregroundDenied = true
			}
			return &DeniedError{Capability: CapabilityLocationForeground, Reason: string(status)}
		}
		g.foreground = true
	}
	if !background || g.background {
		return nil
	}

	status, err := g.perms.RequestLocation(ctx, platform.ScopeBackground)
	if err != nil {
		return fmt.Errorf("request background location: %w", err)
	}
	if status != platform.PermissionGranted {
		return &DeniedError{Capability: CapabilityLocationBackground, Reason: string(status)}
	}
	g.background = true
	return nil
}

// Retry is the explicit user action after a denial: it forgets recorded
// denials and failures, then checks every capability again.
func (g *Gate) Retry(ctx context.Context) error {
	g.mu.Lock()
	g.foregroundDenied = false
	g.channelErr = nil
	g.mu.Unlock()
	return g.EnsureCapabilities(ctx)
}

// Reset drops cached grants, e.g. after the user revoked them in settings.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notifications = false
	g.foreground = false
	g.background = false
}

// Package platform describes the operating-system surfaces the tracking
// core depends on: position sampling, permission prompts, notification
// channels and scheduled background tasks.
package platform

import (
	"context"
	"time"

	"backend-transittrack/internal/domain"
)

type Accuracy int

const (
	AccuracyBalanced Accuracy = iota
	AccuracyHigh
)

// ContinuousConfig describes an OS-level continuous tracking request.
// Updates are delivered to the task registered under TaskName.
type ContinuousConfig struct {
	TaskName                string
	DistanceThresholdMeters float64
	MinInterval             time.Duration
	HighAccuracy            bool
	NotificationTitle       string
	NotificationBody        string
}

type Handle string

type LocationProvider interface {
	RequestOneShot(ctx context.Context, accuracy Accuracy) (domain.LocationSample, error)
	StartContinuous(ctx context.Context, cfg ContinuousConfig) (Handle, error)
	StopContinuous(ctx context.Context, h Handle) error
	HasActiveSubscription(ctx context.Context) bool
}

type Scope int

const (
	ScopeForeground Scope = iota
	ScopeBackground
)

func (s Scope) String() string {
	if s == ScopeBackground {
		return "background"
	}
	return "foreground"
}

type PermissionStatus string

const (
	PermissionGranted      PermissionStatus = "granted"
	PermissionDenied       PermissionStatus = "denied"
	PermissionUndetermined PermissionStatus = "undetermined"
)

type Permissions interface {
	RequestNotifications(ctx context.Context) (PermissionStatus, error)
	RequestLocation(ctx context.Context, scope Scope) (PermissionStatus, error)
}

type ChannelConfig struct {
	Name        string
	Description string
	Importance  int
}

type Notification struct {
	Title string
	Body  string
}

type Notifier interface {
	// RequiresChannel reports whether a channel must exist before a
	// foreground service may show its indicator.
	RequiresChannel() bool
	CreateChannel(ctx context.Context, id string, cfg ChannelConfig) error
	Notify(ctx context.Context, n Notification) error
}

// Batch is what the OS hands to a background task on each invocation.
type Batch struct {
	Samples []domain.LocationSample
	Err     error
}

type TaskFunc func(ctx context.Context, batch Batch)

type TaskRegistry interface {
	Define(name string, fn TaskFunc) error
}

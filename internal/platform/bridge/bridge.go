// Package bridge normalises capability differences between host webview
// builds. Every call is best-effort: a missing host object, a missing
// capability, or a panicking capability degrades to the next fallback or a
// silent no-op, never an error escaping the bridge.
package bridge

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// LinkOpener opens a URL through one host capability.
type LinkOpener func(url string) error

// HapticFunc triggers a host haptic notification of the given kind.
type HapticFunc func(kind string) error

// Host is the capability surface of the object the webview injects into the
// page. Different host builds expose different subsets, so every accessor
// reports presence explicitly instead of silently no-opping.
type Host interface {
	// InitData returns the host-supplied auth token. Hosts may populate it
	// asynchronously after page load, so callers read it fresh per request.
	InitData() (string, bool)
	// OpenExternalLink is the preferred capability for leaving the webview.
	OpenExternalLink() (LinkOpener, bool)
	// OpenLink is the older capability some host builds expose instead.
	OpenLink() (LinkOpener, bool)
	// HapticNotification exposes haptic feedback when supported.
	HapticNotification() (HapticFunc, bool)
}

// Navigator is the routing primitive owned by the embedding application.
// Direct navigation is the universally safe last resort for opening links.
type Navigator interface {
	Go(path string)
}

// OpenMethod identifies which tier of the link-opening fallback ran.
type OpenMethod string

const (
	// OpenMethodExternal used the host "open external link" capability.
	OpenMethodExternal OpenMethod = "openExternalLink"
	// OpenMethodLink used the host "open link" capability.
	OpenMethodLink OpenMethod = "openLink"
	// OpenMethodNavigate fell back to direct same-window navigation.
	OpenMethodNavigate OpenMethod = "navigate"
)

const hapticKindSuccess = "success"

// Bridge adapts the optionally-absent host object. A nil host is valid and
// means every host capability is absent.
type Bridge struct {
	host   Host
	nav    Navigator
	logger *zap.Logger
}

// New constructs a Bridge. The host may be nil; the navigator is required
// because it backs the final link-opening tier.
func New(host Host, nav Navigator, logger *zap.Logger) (*Bridge, error) {
	if nav == nil {
		return nil, errors.New("bridge: navigator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		host:   host,
		nav:    nav,
		logger: logger,
	}, nil
}

// AuthToken reads the init-data token fresh from the host. Absence is logged
// as a warning and reported to the caller; it never blocks a request.
func (b *Bridge) AuthToken() (string, bool) {
	if b == nil || b.host == nil {
		return "", false
	}
	token, ok := b.host.InitData()
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		b.logger.Warn("host init data unavailable")
		return "", false
	}
	return token, true
}

// OpenURL opens the URL through a strict three-tier fallback: host external
// link, host link, direct navigation. Each tier runs only when the previous
// one is unavailable or failed; the returned method is the tier that took
// the action. Tier three cannot fail.
func (b *Bridge) OpenURL(url string) OpenMethod {
	if b != nil && b.host != nil {
		if opener, ok := b.host.OpenExternalLink(); ok {
			err := safeOpen(opener, url)
			if err == nil {
				return OpenMethodExternal
			}
			b.logger.Warn("openExternalLink failed", zap.Error(err))
		}
		if opener, ok := b.host.OpenLink(); ok {
			err := safeOpen(opener, url)
			if err == nil {
				return OpenMethodLink
			}
			b.logger.Warn("openLink failed", zap.Error(err))
		}
	}
	b.nav.Go(url)
	return OpenMethodNavigate
}

// HapticSuccess fires a single success notification, silently absent when
// the host does not support haptics.
func (b *Bridge) HapticSuccess() {
	if b == nil || b.host == nil {
		return
	}
	haptic, ok := b.host.HapticNotification()
	if !ok {
		return
	}
	if err := safeHaptic(haptic, hapticKindSuccess); err != nil {
		b.logger.Debug("haptic feedback failed", zap.Error(err))
	}
}

// ImageURL rewrites bouquet image URLs pointing at the legacy asset domain
// into a same-origin path; the webview blocks cross-domain image loads.
// Proxied upload paths and everything already same-origin pass through.
func (b *Bridge) ImageURL(raw string) string {
	if raw == "" {
		return ""
	}
	if idx := strings.LastIndex(raw, "/bouquets/"); idx >= 0 {
		return "/bouquets/" + raw[idx+len("/bouquets/"):]
	}
	if strings.Contains(raw, "/uploads/") {
		return raw
	}
	return raw
}

func safeOpen(opener LinkOpener, url string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bridge: link opener panic: %v", r)
		}
	}()
	if opener == nil {
		return errors.New("bridge: nil link opener")
	}
	return opener(url)
}

func safeHaptic(haptic HapticFunc, kind string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bridge: haptic panic: %v", r)
		}
	}()
	if haptic == nil {
		return errors.New("bridge: nil haptic")
	}
	return haptic(kind)
}

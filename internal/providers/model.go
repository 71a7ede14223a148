// Package providers is the directory of callable businesses that can fulfil a
// booking request.
package providers

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a provider id is unknown.
	ErrNotFound = errors.New("provider not found")
	// ErrInvalidProvider is returned when a provider fails validation.
	ErrInvalidProvider = errors.New("invalid provider")
)

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Interval is an opening window in local "HH:MM" form.
type Interval struct {
	Open  string `json:"open"`
	Close string `json:"close"`
}

// Hours maps lower-case weekday names ("monday") to the opening window.
type Hours map[string]Interval

// Provider is a callable entity.
type Provider struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Category    string       `json:"category"`
	Phone       string       `json:"phone"`
	Address     string       `json:"address,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	Rating      float64      `json:"rating"`
	Hours       Hours        `json:"hours,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Filter narrows a directory listing.
type Filter struct {
	Category string
}

// Validate checks the fields a provider needs to be dialled.
func (p *Provider) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProvider)
	}
	if strings.TrimSpace(p.Category) == "" {
		return fmt.Errorf("%w: category is required", ErrInvalidProvider)
	}
	if !IsE164(p.Phone) {
		return fmt.Errorf("%w: phone %q is not E.164", ErrInvalidProvider, p.Phone)
	}
	if p.Rating < 0 || p.Rating > 5 {
		return fmt.Errorf("%w: rating must be between 0 and 5", ErrInvalidProvider)
	}
	return nil
}

// Clone returns a deep copy.
func (p *Provider) Clone() *Provider {
	if p == nil {
		return nil
	}
	out := *p
	if p.Coordinates != nil {
		c := *p.Coordinates
		out.Coordinates = &c
	}
	if p.Hours != nil {
		out.Hours = make(Hours, len(p.Hours))
		for k, v := range p.Hours {
			out.Hours[k] = v
		}
	}
	return &out
}

// OpenAt reports whether the provider's hours cover t. Providers without
// published hours are treated as always open.
func (p *Provider) OpenAt(t time.Time) bool {
	if len(p.Hours) == 0 {
		return true
	}
	window, ok := p.Hours[strings.ToLower(t.Weekday().String())]
	if !ok {
		return false
	}
	now := t.Format("15:04")
	return now >= window.Open && now < window.Close
}

// IsE164 performs a structural E.164 check.
func IsE164(phone string) bool {
	if len(phone) < 8 || len(phone) > 16 || phone[0] != '+' || phone[1] == '0' {
		return false
	}
	for _, r := range phone[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between two points.
func DistanceKm(a, b Coordinates) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

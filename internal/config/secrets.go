package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/selenograph/moonclock/internal/models"
	"github.com/selenograph/moonclock/internal/validation"
)

// Secrets is the user-supplied part of the configuration: where the clock
// is and which wall time it keeps. The file is the same one the user edits
// on the device, so its schema stays small and flat.
type Secrets struct {
	// Observer is valid only when ObserverSet is true. Secrets may omit
	// coordinates entirely, in which case the service falls back to IP
	// geolocation at startup.
	Observer    models.Location
	ObserverSet bool

	// UTCOffset is canonical "+HH:MM"/"-HH:MM". Defaults to UTC when the
	// file omits it; the hourly time sync corrects it afterwards.
	UTCOffset string

	// Timezone is an optional IANA name ("America/Boise") used by the time
	// sync. When empty the sync resolves the zone from the clock's IP.
	Timezone string
}

type secretsFile struct {
	Latitude  *float64 `yaml:"latitude"`
	Longitude *float64 `yaml:"longitude"`
	Offset    string   `yaml:"offset"`
	Timezone  string   `yaml:"timezone"`
}

// LoadSecrets reads and validates the secrets file. A missing file is not
// an error: the clock can still run on geolocation and UTC. Malformed
// values are errors naming the offending field, so the user knows what to
// fix; silent fallback here would leave the clock quietly showing the
// wrong sky.
func LoadSecrets(path string) (Secrets, error) {
	sec := Secrets{UTCOffset: "+00:00"}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return Secrets{}, fmt.Errorf("read secrets file: %w", err)
	}

	var sf secretsFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return Secrets{}, fmt.Errorf("parse secrets file %s: %w", path, err)
	}

	if (sf.Latitude == nil) != (sf.Longitude == nil) {
		return Secrets{}, fmt.Errorf("secrets: latitude and longitude must be set together")
	}
	if sf.Latitude != nil {
		if err := validation.ValidateLatitude(*sf.Latitude); err != nil {
			return Secrets{}, fmt.Errorf("secrets: latitude: %w", err)
		}
		if err := validation.ValidateLongitude(*sf.Longitude); err != nil {
			return Secrets{}, fmt.Errorf("secrets: longitude: %w", err)
		}
		sec.Observer = models.Location{Latitude: *sf.Latitude, Longitude: *sf.Longitude}
		sec.ObserverSet = true
	}

	if sf.Offset != "" {
		norm, err := validation.NormalizeUTCOffset(sf.Offset)
		if err != nil {
			return Secrets{}, fmt.Errorf("secrets: offset: %w", err)
		}
		sec.UTCOffset = norm
	}

	sec.Timezone = sf.Timezone
	return sec, nil
}

package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/i474232898/farm-advisory/internal/ingest"
)

var validate = validator.New()

// File is a read-only entity registry loaded from a YAML document.
//
//	villages:
//	  - id: v-001
//	    name: Rampur
//	    lat: 28.61
//	    lon: 77.20
//	    market:
//	      state: Uttar Pradesh
//	      district: Rampur
//	      commodities: [Wheat, Onion]
type File struct {
	villages []ingest.Village
}

type document struct {
	Villages []villageEntry `yaml:"villages" validate:"unique=ID,dive"`
}

type villageEntry struct {
	ID     string       `yaml:"id" validate:"required"`
	Name   string       `yaml:"name"`
	Lat    *float64     `yaml:"lat" validate:"omitempty,gte=-90,lte=90"`
	Lon    *float64     `yaml:"lon" validate:"omitempty,gte=-180,lte=180"`
	Market *marketEntry `yaml:"market"`
}

type marketEntry struct {
	State       string   `yaml:"state" validate:"required"`
	District    string   `yaml:"district" validate:"required"`
	Commodities []string `yaml:"commodities" validate:"required,min=1,dive,required"`
}

// LoadFile reads and validates the registry at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a registry document. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}

	for i := range doc.Villages {
		doc.Villages[i].ID = strings.TrimSpace(doc.Villages[i].ID)
	}
	if err := validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	for _, e := range doc.Villages {
		if (e.Lat == nil) != (e.Lon == nil) {
			return nil, fmt.Errorf("validate: village %q: lat and lon must be set together", e.ID)
		}
	}

	villages := make([]ingest.Village, 0, len(doc.Villages))
	for _, e := range doc.Villages {
		v := ingest.Village{
			ID:   e.ID,
			Name: strings.TrimSpace(e.Name),
			Lat:  e.Lat,
			Lon:  e.Lon,
		}
		if e.Market != nil {
			v.Market = &ingest.MarketRegion{
				State:       strings.TrimSpace(e.Market.State),
				District:    strings.TrimSpace(e.Market.District),
				Commodities: append([]string(nil), e.Market.Commodities...),
			}
		}
		villages = append(villages, v)
	}
	return &File{villages: villages}, nil
}

// Villages returns a copy of the registry contents.
func (f *File) Villages(ctx context.Context) ([]ingest.Village, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]ingest.Village, len(f.villages))
	copy(out, f.villages)
	return out, nil
}

// Len returns the number of villages.
func (f *File) Len() int { return len(f.villages) }

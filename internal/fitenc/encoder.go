// Package fitenc writes weight measurements as a FIT weight file.
package fitenc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tormoder/fit"

	"weightsync/internal/wsync"
)

// Product identifies the files this encoder writes.
const Product = 1

// Encoder implements wsync.Encoder.
type Encoder struct{}

var _ wsync.Encoder = Encoder{}

func New() Encoder { return Encoder{} }

// Encode writes one weight-scale message per group. The file is stamped
// with the newest group's time. Definition field order is not stable
// between encodes, so compare decoded messages, not bytes.
func (Encoder) Encode(groups []wsync.MeasurementGroup) ([]byte, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("%w: no measurements to encode", wsync.ErrValidation)
	}

	h := fit.NewHeader(fit.V20, true)
	f, err := fit.NewFile(fit.FileTypeWeight, h)
	if err != nil {
		return nil, fmt.Errorf("creating FIT file: %w", err)
	}
	wf, err := f.Weight()
	if err != nil {
		return nil, fmt.Errorf("creating FIT weight file: %w", err)
	}

	created := groups[len(groups)-1].Date
	f.FileId.TimeCreated = created
	f.FileId.Manufacturer = fit.ManufacturerDevelopment
	f.FileId.Product = Product

	dev := fit.NewDeviceInfoMsg()
	dev.Timestamp = created
	dev.Manufacturer = fit.ManufacturerDevelopment
	dev.Product = Product
	wf.DeviceInfos = append(wf.DeviceInfos, dev)

	for _, g := range groups {
		msg, err := weightScale(g)
		if err != nil {
			return nil, err
		}
		wf.WeightScales = append(wf.WeightScales, msg)
	}

	var buf bytes.Buffer
	if err := fit.Encode(&buf, f, binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("encoding FIT file: %w", err)
	}
	return buf.Bytes(), nil
}

// Check reports whether g can be written to a weight file. A failing
// group fails the whole Encode call.
func Check(g wsync.MeasurementGroup) error {
	_, err := weightScale(g)
	return err
}

func (Encoder) Check(g wsync.MeasurementGroup) error { return Check(g) }

func weightScale(g wsync.MeasurementGroup) (*fit.WeightScaleMsg, error) {
	if !g.HasWeight() {
		return nil, fmt.Errorf("%w: group %d at %s has no weight", wsync.ErrValidation, g.ID, g.Position())
	}
	if g.Date.IsZero() {
		return nil, fmt.Errorf("%w: group %d has no date", wsync.ErrValidation, g.ID)
	}

	msg := fit.NewWeightScaleMsg()
	msg.Timestamp = g.Date

	w, err := scaled(*g.Weight, "weight")
	if err != nil {
		return nil, err
	}
	msg.Weight = fit.Weight(w)

	fields := []struct {
		name string
		v    *float64
		dst  *uint16
	}{
		{"fat ratio", g.FatRatio, &msg.PercentFat},
		{"hydration", g.HydrationPercent(), &msg.PercentHydration},
		{"bone mass", g.BoneMass, &msg.BoneMass},
		{"muscle mass", g.MuscleMass, &msg.MuscleMass},
	}
	for _, fld := range fields {
		if fld.v == nil {
			continue
		}
		v, err := scaled(*fld.v, fld.name)
		if err != nil {
			return nil, err
		}
		*fld.dst = v
	}
	return msg, nil
}

// scaled converts v to the FIT wire form (hundredths). 0xFFFF is the
// invalid marker, so the largest encodable value is 655.34.
func scaled(v float64, name string) (uint16, error) {
	s := math.Round(v * 100)
	if s < 0 || s >= math.MaxUint16 || math.IsNaN(s) {
		return 0, fmt.Errorf("%w: %s %.2f out of range", wsync.ErrValidation, name, v)
	}
	return uint16(s), nil
}

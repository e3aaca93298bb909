package privatizer

import (
	"context"

	"github.com/TillFleisch/TrixelManagementService/internal/model"
)

// Blank is a no-op aggregator: every sensor contributes unconditionally
// and the published value is always unknown. Useful for tests and as a
// baseline that exercises only the k-anonymity shadow machinery.
type Blank struct{}

func NewBlank() *Blank { return &Blank{} }

func (*Blank) EvaluateSensorQuality(_ context.Context, p *Privatizer, s model.UniqueSensorID) bool {
	if lc, ok := p.lookup.GetLifecycle(s, true); ok {
		lc.SetContributing(true)
	}
	return true
}

func (*Blank) NewValue(*Privatizer, model.UniqueSensorID, model.Measurement) {}
func (*Blank) GetValue(*Privatizer) *float64                                 { return nil }
func (*Blank) PreProcessing(context.Context, *Privatizer)                    {}
func (*Blank) PostProcessing(context.Context, *Privatizer)                   {}
func (*Blank) CanSubdivide(context.Context, *Privatizer) bool                { return true }
func (*Blank) RemoveSensor(model.UniqueSensorID)                             {}

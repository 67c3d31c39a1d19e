package bind

import (
	"github.com/wippyai/componentize/abi"
	"github.com/wippyai/componentize/errors"
	"github.com/wippyai/componentize/wasm"
	"github.com/wippyai/componentize/world"
)

// Direction tells which side of the boundary implements the function.
type Direction int

const (
	// Lift binds an exported function: the host calls in, arguments are
	// lifted out of guest state.
	Lift Direction = iota
	// Lower binds an imported function: the guest calls out, arguments are
	// lowered into host-visible form.
	Lower
)

func (d Direction) String() string {
	if d == Lower {
		return "lower"
	}
	return "lift"
}

// Area is a linear-memory region holding spilled parameters or an indirect
// result.
type Area struct {
	Size  uint32
	Align uint32
}

// Binding is the derived core calling convention for one world function.
type Binding struct {
	Iface     string
	Fn        string // component-model name, e.g. "[method]counter.increment"
	Direction Direction

	// CoreName is the merged-module symbol: "<iface>#<fn>" for exports, the
	// import's core name for imports.
	CoreName string

	// Core signature after applying the policy's flattening limits.
	Params  []wasm.ValType
	Results []wasm.ValType

	// ParamsIndirect means the declared parameters exceeded MaxFlatParams
	// and collapsed to a single i32 pointer into ParamArea.
	ParamsIndirect bool
	ParamArea      Area
	// ParamOffsets holds each declared parameter's offset, in the spill
	// area when indirect, in flat slots otherwise.
	ParamOffsets []uint32

	// ResultIndirect means the result exceeded MaxFlatResults. Lift-side
	// the core function returns an i32 pointer to a callee return area;
	// lower-side the caller passes a retptr as a trailing i32 parameter.
	ResultIndirect bool
	RetArea        Area

	// Descriptors for the declared signature, parallel to the world
	// function's params.
	ParamDescs []*abi.Descriptor
	ResultDesc *abi.Descriptor // nil when the function has no result
}

// Binder derives bindings against one mapper (and so one policy).
type Binder struct {
	mapper *abi.Mapper
}

func NewBinder(m *abi.Mapper) *Binder {
	return &Binder{mapper: m}
}

// Bind derives the calling convention for fn in iface.
func (b *Binder) Bind(iface *world.Interface, fn *world.Function, dir Direction) (*Binding, error) {
	if iface == nil || fn == nil {
		return nil, errors.Signature("", "", "nil interface or function")
	}

	bd := &Binding{
		Iface:     iface.Name,
		Fn:        fn.WitName(),
		Direction: dir,
		CoreName:  CoreName(iface.Name, fn.WitName()),
	}

	policy := b.mapper.Policy()

	var flatParams []wasm.ValType
	for _, p := range fn.Params {
		d, err := b.mapper.Describe(p.Type)
		if err != nil {
			return nil, err
		}
		bd.ParamDescs = append(bd.ParamDescs, d)
		flatParams = append(flatParams, d.Flat...)
	}

	var flatResults []wasm.ValType
	if fn.Result != nil {
		d, err := b.mapper.Describe(fn.Result)
		if err != nil {
			return nil, err
		}
		bd.ResultDesc = d
		flatResults = d.Flat
	}

	if len(flatParams) > policy.MaxFlatParams {
		bd.ParamsIndirect = true
		bd.Params = []wasm.ValType{wasm.ValI32}
		bd.ParamArea, bd.ParamOffsets = spillArea(bd.ParamDescs)
	} else {
		bd.Params = flatParams
		bd.ParamOffsets = flatOffsets(bd.ParamDescs)
	}

	switch {
	case len(flatResults) <= policy.MaxFlatResults:
		bd.Results = flatResults
	case dir == Lift:
		bd.ResultIndirect = true
		bd.Results = []wasm.ValType{wasm.ValI32}
		bd.RetArea = Area{Size: bd.ResultDesc.Size, Align: bd.ResultDesc.Align}
	default: // Lower
		bd.ResultIndirect = true
		bd.Params = append(bd.Params, wasm.ValI32)
		bd.Results = nil
		bd.RetArea = Area{Size: bd.ResultDesc.Size, Align: bd.ResultDesc.Align}
	}

	return bd, nil
}

// spillArea lays parameters out like record fields and returns the area with
// each parameter's offset.
func spillArea(descs []*abi.Descriptor) (Area, []uint32) {
	area := Area{Align: 1}
	offsets := make([]uint32, len(descs))
	offset := uint32(0)
	for i, d := range descs {
		offset = abi.AlignTo(offset, d.Align)
		offsets[i] = offset
		offset += d.Size
		if d.Align > area.Align {
			area.Align = d.Align
		}
	}
	area.Size = abi.AlignTo(offset, area.Align)
	return area, offsets
}

// flatOffsets returns each parameter's first slot index in the flat list.
func flatOffsets(descs []*abi.Descriptor) []uint32 {
	offsets := make([]uint32, len(descs))
	slot := uint32(0)
	for i, d := range descs {
		offsets[i] = slot
		slot += uint32(len(d.Flat))
	}
	return offsets
}

// CoreName is the merged-module export symbol for a world function.
func CoreName(iface, witName string) string {
	return iface + "#" + witName
}

// PostReturnName names the cleanup export paired with an indirect-result
// lift.
func PostReturnName(coreName string) string {
	return "cabi_post_" + coreName
}

// DtorName names the destructor trampoline for an exported resource.
func DtorName(iface, resource string) string {
	return iface + "#[dtor]" + resource
}

// LiftHelperName names the shared lift routine for a structural type.
func LiftHelperName(d *abi.Descriptor) string {
	return "lift:" + d.Fingerprint
}

// LowerHelperName names the shared lower routine for a structural type.
func LowerHelperName(d *abi.Descriptor) string {
	return "lower:" + d.Fingerprint
}

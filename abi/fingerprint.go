package abi

import (
	"fmt"
	"strings"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/componentize/errors"
)

// Fingerprint returns a canonical string for the structure of t. Two types
// get the same fingerprint exactly when they are structurally identical, so
// the fingerprint is the memoization key for descriptors and the name suffix
// for shared lift/lower routines.
//
// Handles are nominal: own and borrow fingerprints carry the resource name,
// not the resource's structure.
func Fingerprint(t wit.Type) (string, error) {
	w := &fpWalker{visiting: make(map[*wit.TypeDef]bool)}
	return w.walk(t, nil)
}

type fpWalker struct {
	visiting map[*wit.TypeDef]bool
}

func (w *fpWalker) walk(t wit.Type, path []string) (string, error) {
	switch v := t.(type) {
	case wit.Bool:
		return "bool", nil
	case wit.U8:
		return "u8", nil
	case wit.S8:
		return "s8", nil
	case wit.U16:
		return "u16", nil
	case wit.S16:
		return "s16", nil
	case wit.U32:
		return "u32", nil
	case wit.S32:
		return "s32", nil
	case wit.U64:
		return "u64", nil
	case wit.S64:
		return "s64", nil
	case wit.F32:
		return "f32", nil
	case wit.F64:
		return "f64", nil
	case wit.Char:
		return "char", nil
	case wit.String:
		return "string", nil
	case *wit.TypeDef:
		return w.walkTypeDef(v, path)
	default:
		return "", errors.UnsupportedType(errors.PhaseMap, path,
			fmt.Sprintf("%T", t), "unknown type")
	}
}

func (w *fpWalker) walkTypeDef(td *wit.TypeDef, path []string) (string, error) {
	if w.visiting[td] {
		return "", errors.UnsupportedType(errors.PhaseMap, path, tdName(td),
			"type recurses into itself by value")
	}
	w.visiting[td] = true
	defer delete(w.visiting, td)

	switch k := td.Kind.(type) {
	case nil:
		return "", errors.UnsupportedType(errors.PhaseMap, path, tdName(td),
			"resource used by value; wrap it in own or borrow")

	case *wit.Record:
		parts := make([]string, len(k.Fields))
		for i, f := range k.Fields {
			fp, err := w.walk(f.Type, append(path, f.Name))
			if err != nil {
				return "", err
			}
			parts[i] = f.Name + ":" + fp
		}
		return "record{" + strings.Join(parts, ",") + "}", nil

	case *wit.Tuple:
		parts := make([]string, len(k.Types))
		for i, t := range k.Types {
			fp, err := w.walk(t, append(path, fmt.Sprintf("%d", i)))
			if err != nil {
				return "", err
			}
			parts[i] = fp
		}
		return "tuple(" + strings.Join(parts, ",") + ")", nil

	case *wit.Variant:
		parts := make([]string, len(k.Cases))
		for i, c := range k.Cases {
			if c.Type == nil {
				parts[i] = c.Name
				continue
			}
			fp, err := w.walk(c.Type, append(path, c.Name))
			if err != nil {
				return "", err
			}
			parts[i] = c.Name + ":" + fp
		}
		return "variant{" + strings.Join(parts, ",") + "}", nil

	case *wit.Enum:
		parts := make([]string, len(k.Cases))
		for i, c := range k.Cases {
			parts[i] = c.Name
		}
		return "enum{" + strings.Join(parts, ",") + "}", nil

	case *wit.Flags:
		parts := make([]string, len(k.Flags))
		for i, f := range k.Flags {
			parts[i] = f.Name
		}
		return "flags{" + strings.Join(parts, ",") + "}", nil

	case *wit.Option:
		fp, err := w.walk(k.Type, append(path, "some"))
		if err != nil {
			return "", err
		}
		return "option(" + fp + ")", nil

	case *wit.Result:
		ok, errFP := "", ""
		if k.OK != nil {
			fp, err := w.walk(k.OK, append(path, "ok"))
			if err != nil {
				return "", err
			}
			ok = fp
		}
		if k.Err != nil {
			fp, err := w.walk(k.Err, append(path, "err"))
			if err != nil {
				return "", err
			}
			errFP = fp
		}
		return "result(" + ok + ";" + errFP + ")", nil

	case *wit.List:
		fp, err := w.walk(k.Type, append(path, "element"))
		if err != nil {
			return "", err
		}
		return "list(" + fp + ")", nil

	case *wit.Own:
		return "own(" + handleName(k.Type, td) + ")", nil

	case *wit.Borrow:
		return "borrow(" + handleName(k.Type, td) + ")", nil

	default:
		return "", errors.UnsupportedType(errors.PhaseMap, path, tdName(td),
			fmt.Sprintf("unsupported type kind %T", td.Kind))
	}
}

// handleName names a handle's target. Owns with no target are channel
// handles; they are named after their typedef so distinct channel types keep
// distinct fingerprints.
func handleName(res *wit.TypeDef, td *wit.TypeDef) string {
	if res != nil && res.Name != nil {
		return *res.Name
	}
	if td.Name != nil {
		return *td.Name
	}
	return ""
}

func tdName(td *wit.TypeDef) string {
	if td.Name != nil {
		return *td.Name
	}
	return fmt.Sprintf("%T", td.Kind)
}

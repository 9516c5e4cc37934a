package training

import "strings"

// BackboneMarker selects the parameters trained with the backbone learning rate.
const BackboneMarker = "backbone"

// ParamGroup is a set of parameters sharing one learning rate.
type ParamGroup struct {
	Names []string
	LR    float64
}

// BuildParamGroups splits the trainable parameters into two groups: everything
// else at lr, then names containing "backbone" at lrBackbone. Frozen parameters
// are left out.
func BuildParamGroups(params []Parameter, lr, lrBackbone float64) []ParamGroup {
	rest := ParamGroup{LR: lr}
	backbone := ParamGroup{LR: lrBackbone}
	for _, p := range params {
		if !p.RequiresGrad {
			continue
		}
		if strings.Contains(p.Name, BackboneMarker) {
			backbone.Names = append(backbone.Names, p.Name)
		} else {
			rest.Names = append(rest.Names, p.Name)
		}
	}
	return []ParamGroup{rest, backbone}
}

// CountTrainable returns the number of trainable scalar parameters.
func CountTrainable(params []Parameter) int {
	n := 0
	for _, p := range params {
		if p.RequiresGrad {
			n += p.NumElements
		}
	}
	return n
}

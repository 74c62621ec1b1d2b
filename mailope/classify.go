package mailope

import (
	"strings"

	"github.com/masa23/quarantined/model"
)

const antivirusGroup = "antivirus"

// Virus describes an antivirus hit found among the symbols.
type Virus struct {
	Engine string
	Name   string
}

// classify returns the first antivirus hit, or nil.
func classify(symbols []model.Symbol) *Virus {
	for _, s := range symbols {
		if !strings.EqualFold(s.Group, antivirusGroup) {
			continue
		}
		v := &Virus{Engine: s.Name, Name: "unknown"}
		for _, o := range s.Options {
			if o = strings.TrimSpace(o); o != "" {
				v.Name = o
				break
			}
		}
		return v
	}
	return nil
}

package zte_c300

import (
	"github.com/oltcli/oltcli/addone/profile"
	"github.com/oltcli/oltcli/pkg/cli"
)

// Plugin 中兴 C300/C320 系列 OLT
type Plugin struct{}

func (p *Plugin) Name() string { return "zte_c300" }

func (p *Plugin) Profile() profile.Profile {
	return profile.Profile{
		MoreKey:       " ",
		EnableCommand: "enable %d",
		LogoutCommand: "exit",
		SaveCommand:   "write",
		Patterns: []cli.PatternSpec{
			{Event: "denied", Name: "zte_error_code", Pattern: `%Error \d+`},
			{Event: "denied", Name: "zte_invalid_input", Pattern: `(?i)% ?invalid input`},
		},
	}
}

func init() {
	profile.Register("zte_c300", &Plugin{})
}

package profile

import (
	"fmt"
	"strings"

	"github.com/pioreactor/pioreactor-go/internal/domain"
	"github.com/pioreactor/pioreactor-go/internal/expr"
)

// Controller jobs own an automation; their automations are mutated via
// update, never started or stopped directly.
var controllerJobs = map[string]bool{
	"temperature_control": true,
	"dosing_control":      true,
	"led_control":         true,
}

// Verify checks a decoded profile: automation job action restrictions,
// controller update shape, expression syntax, and plugin versions against
// installedPlugins (name -> version).
func Verify(p *Profile, installedPlugins map[string]string) error {
	for _, plugin := range p.Plugins {
		if err := checkPlugin(plugin, installedPlugins); err != nil {
			return err
		}
	}
	for jobName, spec := range p.Common.Jobs {
		if err := verifyJobActions(jobName, spec.Actions); err != nil {
			return err
		}
	}
	for unit, spec := range p.Pioreactors {
		for jobName, js := range spec.Jobs {
			if err := verifyJobActions(jobName, js.Actions); err != nil {
				return fmt.Errorf("unit %s: %w", unit, err)
			}
		}
	}
	return nil
}

func verifyJobActions(jobName string, actions []Action) error {
	for _, a := range actions {
		if strings.HasSuffix(jobName, "_automation") && (a.Type == ActionStart || a.Type == ActionStop) {
			return fmt.Errorf("op=profile.Verify job=%s: %s is reserved for controller jobs; automations are mutated via update: %w",
				jobName, a.Type, domain.ErrInvalidArgument)
		}
		if controllerJobs[jobName] && a.Type == ActionUpdate {
			if _, ok := a.Options["automation_name"]; !ok {
				return fmt.Errorf("op=profile.Verify job=%s: update on a controller requires automation_name: %w",
					jobName, domain.ErrInvalidArgument)
			}
		}
		for _, src := range []string{a.If, a.While, a.Condition} {
			if src == "" {
				continue
			}
			if err := checkExpression(src); err != nil {
				return fmt.Errorf("op=profile.Verify job=%s expression=%q: %w", jobName, src, err)
			}
		}
		if len(a.Actions) > 0 {
			if err := verifyJobActions(jobName, a.Actions); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkExpression(src string) error {
	return expr.CheckSyntax(stripTemplate(src))
}

// stripTemplate unwraps a whole-string ${{ ... }} so the inner expression is
// what gets checked.
func stripTemplate(s string) string {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") {
		return strings.TrimSpace(trimmed[3 : len(trimmed)-2])
	}
	return s
}

func checkPlugin(plugin Plugin, installed map[string]string) error {
	version, ok := installed[plugin.Name]
	if !ok {
		return fmt.Errorf("op=profile.Verify plugin=%s: not installed: %w", plugin.Name, domain.ErrPluginVersion)
	}
	c := strings.TrimSpace(plugin.VersionConstraint)
	if c == "" {
		return nil
	}
	var op, want string
	switch {
	case strings.HasPrefix(c, ">="), strings.HasPrefix(c, "<="), strings.HasPrefix(c, "=="):
		op, want = c[:2], strings.TrimSpace(c[2:])
	default:
		op, want = "==", c
	}
	cmp := compareVersions(version, want)
	ok = false
	switch op {
	case "==":
		ok = cmp == 0
	case ">=":
		ok = cmp >= 0
	case "<=":
		ok = cmp <= 0
	}
	if !ok {
		return fmt.Errorf("op=profile.Verify plugin=%s: installed %s does not satisfy %s: %w",
			plugin.Name, version, c, domain.ErrPluginVersion)
	}
	return nil
}

// compareVersions compares dotted numeric versions segment by segment.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av = atoiSafe(as[i])
		}
		if i < len(bs) {
			bv = atoiSafe(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}

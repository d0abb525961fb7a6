// Package params turns project defaults and per-request overrides into the
// Bamboo variables of a build and the snapshot stored with it.
package params

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"strconv"
	"strings"

	"github.com/itskum47/FwForge/control_plane/store"
)

// Generate returns the variable map for one build. Values are strings,
// nested maps or nil; Encode flattens them for transmission.
func Generate(project *store.Project, layer *store.Layer, requester string, scmOverride, buildOverride map[string]any) map[string]any {
	p := make(map[string]any, 32)

	// Identity
	p["PROJECTID"] = project.ID
	p["PROJECTNAME"] = project.ProjectName
	p["PLANID"] = project.PlanID
	p["SWDPUSERNAME"] = optional(requester)
	p["BUILDREQUESTID"] = nil // assigned by Bamboo

	scm := Merge(project.ScmConfig, scmOverride)
	p["REPOPATH"] = stringValue(scm, "repo_path", nil)
	p["GITBRANCHNAME"] = stringValue(scm, "branch", "main")
	p["BUILDREVISION"] = stringValue(scm, "revision", "HEAD")
	p["FASTCHECKOUTYN"] = yn(boolValue(scm, "fast_checkout", false))
	p["SOURCEZIPYN"] = yn(boolValue(scm, "source_zip", false))
	p["autocommit_with_path"] = stringValue(scm, "auto_commit_path", nil)

	build := Merge(project.BuildConfig, buildOverride)
	p["BUILDTYPECD"] = stringValue(build, "type", "DAILY")
	p["TARGET"] = stringValue(build, "target", "OA")
	p["BUILDOSENV"] = stringValue(build, "os_env", "LINUX")
	p["COMPILER"] = stringValue(build, "compiler_main", "ARMCC")
	p["COMPILERDICT"] = build["compiler_dict"]
	p["BUILDBATNAME"] = stringValue(build, "script_name", nil)
	p["BUILDBATOPTION"] = stringValue(build, "script_option", nil)
	p["FASTBUILDYN"] = yn(boolValue(build, "fast_build", false))

	analysis := project.AnalysisConfig
	coverity := layer.CoverityEnabled
	if coverity {
		if cov, ok := analysis["coverity"].(map[string]any); ok {
			coverity = boolValue(cov, "enabled", true)
		}
	}
	p["CICOVERITYYN"] = yn(coverity)

	if sam, ok := analysis["sam"].(map[string]any); ok {
		p["SAMBATNAME"] = stringValue(sam, "script", nil)
		p["SAMBATPATH"] = stringValue(sam, "path", nil)
	} else {
		p["SAMBATNAME"] = nil
		p["SAMBATPATH"] = nil
	}
	p["CIBLACKDUCKYN"] = "N"
	p["CICODINGRULEYN"] = "N"
	p["TRIAGE"] = stringValue(analysis, "triage_level", "HIGH")

	// Control
	p["ISCERTIFIEDYN"] = yn(project.IsCertified)
	p["COMPILERLOGPATH"] = optional(project.LogPathTemplate)

	p["LAYER_NAME"] = optional(layer.Name)
	p["LAYER_PATH"] = optional(layer.LayerPath)

	return p
}

// Snapshot records the effective configuration of a build so it can be
// reproduced later. It is never modified after the build is created.
func Snapshot(project *store.Project, layer *store.Layer, scmOverride, buildOverride map[string]any) map[string]any {
	return map[string]any{
		"scm":      Merge(project.ScmConfig, scmOverride),
		"build":    Merge(project.BuildConfig, buildOverride),
		"analysis": maps.Clone(project.AnalysisConfig),
		"layer": map[string]any{
			"id":              layer.ID,
			"name":            layer.Name,
			"type":            string(layer.Type),
			"path":            layer.LayerPath,
			"buildEnabled":    layer.BuildEnabled,
			"samEnabled":      layer.SamEnabled,
			"coverityEnabled": layer.CoverityEnabled,
		},
	}
}

// Encode converts variables to the string form sent to Bamboo. Nil values
// are dropped; maps and slices become JSON.
func Encode(vars map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		if v == nil {
			continue
		}
		switch reflect.ValueOf(v).Kind() {
		case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", k, err)
			}
			out[k] = string(b)
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out, nil
}

// Merge returns base overlaid key by key with override.
func Merge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	maps.Copy(out, base)
	maps.Copy(out, override)
	return out
}

func stringValue(m map[string]any, key string, def any) any {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func boolValue(m map[string]any, key string, def bool) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false
		}
		return b
	case nil:
		return def
	default:
		return def
	}
}

func yn(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

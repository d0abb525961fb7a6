package params

import (
	"testing"

	"github.com/itskum47/FwForge/control_plane/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixture() (*store.Project, *store.Layer) {
	project := &store.Project{
		ID:          "p1",
		ProjectName: "Modem FW",
		PlanID:      "FW-MAIN",
		ScmConfig: map[string]any{
			"repo_path": "git@scm:fw/modem.git",
			"branch":    "release/3.x",
		},
		BuildConfig: map[string]any{
			"target":        "OB",
			"compiler_dict": map[string]any{"arm": "6.18"},
			"fast_build":    "true",
		},
		AnalysisConfig: map[string]any{
			"coverity":     map[string]any{"enabled": false},
			"sam":          map[string]any{"script": "sam.bat", "path": "/tools/sam"},
			"triage_level": "LOW",
		},
		IsCertified:     true,
		LogPathTemplate: "/logs/{build}",
	}
	layer := &store.Layer{
		ID: "l1", ProjectID: "p1", Name: "core", Type: store.LayerRelease, LayerPath: "src/core",
		BuildEnabled: true, SamEnabled: true, CoverityEnabled: true,
	}
	return project, layer
}

func TestGenerateDefaultsAndOverrides(t *testing.T) {
	project, layer := fixture()
	vars := Generate(project, layer, "alice", map[string]any{"branch": "hotfix"}, map[string]any{"type": "RELEASE"})

	assert.Equal(t, "p1", vars["PROJECTID"])
	assert.Equal(t, "FW-MAIN", vars["PLANID"])
	assert.Equal(t, "alice", vars["SWDPUSERNAME"])
	assert.Nil(t, vars["BUILDREQUESTID"])

	assert.Equal(t, "hotfix", vars["GITBRANCHNAME"], "override wins")
	assert.Equal(t, "HEAD", vars["BUILDREVISION"])
	assert.Equal(t, "N", vars["FASTCHECKOUTYN"])

	assert.Equal(t, "RELEASE", vars["BUILDTYPECD"])
	assert.Equal(t, "OB", vars["TARGET"])
	assert.Equal(t, "LINUX", vars["BUILDOSENV"])
	assert.Equal(t, "ARMCC", vars["COMPILER"])
	assert.Equal(t, "Y", vars["FASTBUILDYN"])

	assert.Equal(t, "N", vars["CICOVERITYYN"], "project analysis disables coverity")
	assert.Equal(t, "sam.bat", vars["SAMBATNAME"])
	assert.Equal(t, "LOW", vars["TRIAGE"])
	assert.Equal(t, "N", vars["CIBLACKDUCKYN"])
	assert.Equal(t, "Y", vars["ISCERTIFIEDYN"])
	assert.Equal(t, "core", vars["LAYER_NAME"])
	assert.Equal(t, "src/core", vars["LAYER_PATH"])
}

func TestCoverityRequiresLayerFlag(t *testing.T) {
	project, layer := fixture()
	project.AnalysisConfig = nil
	assert.Equal(t, "Y", Generate(project, layer, "", nil, nil)["CICOVERITYYN"], "defaults to enabled")

	layer.CoverityEnabled = false
	assert.Equal(t, "N", Generate(project, layer, "", nil, nil)["CICOVERITYYN"])
}

func TestEncode(t *testing.T) {
	project, layer := fixture()
	enc, err := Encode(Generate(project, layer, "", nil, nil))
	require.NoError(t, err)

	_, present := enc["BUILDREQUESTID"]
	assert.False(t, present, "nil values are dropped")
	_, present = enc["SWDPUSERNAME"]
	assert.False(t, present)

	assert.JSONEq(t, `{"arm":"6.18"}`, enc["COMPILERDICT"])
	assert.Equal(t, "release/3.x", enc["GITBRANCHNAME"])

	enc, err = Encode(map[string]any{"n": 3, "b": true, "list": []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, "3", enc["n"])
	assert.Equal(t, "true", enc["b"])
	assert.Equal(t, `["a","b"]`, enc["list"])
}

func TestSnapshotIsIndependentOfOverrides(t *testing.T) {
	project, layer := fixture()
	override := map[string]any{"branch": "feature"}
	snap := Snapshot(project, layer, override, nil)

	override["branch"] = "mutated"
	scm := snap["scm"].(map[string]any)
	assert.Equal(t, "feature", scm["branch"])
	assert.Equal(t, "git@scm:fw/modem.git", scm["repo_path"])

	l := snap["layer"].(map[string]any)
	assert.Equal(t, "release", l["type"])
	assert.Equal(t, true, l["coverityEnabled"])
	assert.Equal(t, "release/3.x", project.ScmConfig["branch"], "project defaults untouched")
}

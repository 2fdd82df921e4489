package rocrate_test

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
	"github.com/m-mizutani/lifemon/pkg/rocrate"
)

const metadata = `{
  "@context": "https://w3id.org/ro/crate/1.1/context",
  "@graph": [
    {"@id": "ro-crate-metadata.json", "@type": "CreativeWork", "about": {"@id": "./"}},
    {"@id": "./", "@type": "Dataset", "mainEntity": {"@id": "sort-and-change-case.ga"},
     "mentions": [{"@id": "#test1"}, {"@id": "#test2"}, {"@id": "#broken"}]},
    {"@id": "sort-and-change-case.ga", "@type": ["File", "SoftwareSourceCode", "ComputationalWorkflow"],
     "programmingLanguage": {"@id": "https://w3id.org/workflowhub/workflow-ro-crate#galaxy"}},
    {"@id": "#test1", "@type": "TestSuite", "name": "test1",
     "instance": [{"@id": "#test1_1"}, {"@id": "#test1_2"}],
     "definition": {"@id": "test/test1/sort-and-change-case-test.yml"}},
    {"@id": "#test1_1", "@type": "TestInstance", "name": "jenkins job",
     "runsOn": {"@id": "https://w3id.org/ro/terms/test#JenkinsService"},
     "url": "https://ci.example.org/jenkins/", "resource": "job/tests/"},
    {"@id": "#test1_2", "@type": "TestInstance", "name": "gh workflow",
     "runsOn": {"@id": "https://w3id.org/ro/terms/test#GithubService"},
     "url": "https://api.github.com", "resource": "repos/o/r/actions/workflows/main.yml"},
    {"@id": "test/test1/sort-and-change-case-test.yml", "@type": ["File", "TestDefinition"],
     "conformsTo": {"@id": "https://w3id.org/ro/terms/test#PlanemoEngine"}, "engineVersion": ">=0.74"},
    {"@id": "#test2", "@type": "TestSuite", "instance": {"@id": "#test2_1"}},
    {"@id": "#test2_1", "@type": "TestInstance",
     "runsOn": {"@id": "https://w3id.org/ro/terms/test#TravisService"},
     "url": "https://travis-ci.com", "resource": "github/o/r"},
    {"@id": "#broken", "@type": "TestSuite", "instance": [{"@id": "#broken_1"}]},
    {"@id": "#broken_1", "@type": "TestInstance",
     "runsOn": {"@id": "https://w3id.org/ro/terms/test#CircleService"},
     "url": "https://circleci.com", "resource": "x"}
  ]
}`

func TestParse(t *testing.T) {
	crate, err := rocrate.Parse([]byte(metadata), "v1")
	gt.NoError(t, err)

	gt.Equal(t, crate.MainEntity, "sort-and-change-case.ga")
	gt.Equal(t, crate.Language, "galaxy")
	gt.Equal(t, len(crate.Suites), 2)

	s1 := crate.Suites[0]
	gt.Equal(t, s1.Name, "test1")
	gt.Equal(t, s1.VersionID, "v1")
	gt.NotNil(t, s1.Definition)
	gt.Equal(t, s1.Definition.Engine, "planemo")
	gt.Equal(t, s1.Definition.EngineVersion, ">=0.74")
	gt.Equal(t, len(s1.Instances), 2)
	gt.Equal(t, s1.Instances[0].Service, model.ServiceRef{Kind: model.ServiceJenkins, URL: "https://ci.example.org/jenkins"})
	gt.Equal(t, s1.Instances[0].Resource, "job/tests/")
	gt.Equal(t, s1.Instances[0].SuiteID, s1.ID)
	gt.Equal(t, s1.Instances[1].Service.Kind, model.ServiceGitHub)

	s2 := crate.Suites[1]
	gt.Equal(t, s2.Name, "test2")
	gt.Nil(t, s2.Definition)
	gt.Equal(t, s2.Instances[0].Service.Kind, model.ServiceTravis)
	gt.Equal(t, s2.Instances[0].Name, "test2_1")

	gt.NotNil(t, crate.Invalid)
	gt.Equal(t, len(crate.Invalid.Errors), 1)
	gt.True(t, errors.Is(crate.Invalid.Errors[0], domain.ErrSpecificationNotValid))
}

func TestParseStableIDs(t *testing.T) {
	a, err := rocrate.Parse([]byte(metadata), "v1")
	gt.NoError(t, err)
	b, err := rocrate.Parse([]byte(metadata), "v1")
	gt.NoError(t, err)
	c, err := rocrate.Parse([]byte(metadata), "v2")
	gt.NoError(t, err)

	gt.Equal(t, a.Suites[0].ID, b.Suites[0].ID)
	gt.Equal(t, a.Suites[0].Instances[0].ID, b.Suites[0].Instances[0].ID)
	gt.NotEqual(t, a.Suites[0].ID, c.Suites[0].ID)
	gt.NotEqual(t, a.Suites[0].Instances[0].ID, a.Suites[0].Instances[1].ID)
}

func TestParseInvalidDocument(t *testing.T) {
	_, err := rocrate.Parse([]byte(`{"@graph": []}`), "v1")
	gt.True(t, errors.Is(err, domain.ErrSpecificationNotValid))

	_, err = rocrate.Parse([]byte(`not json`), "v1")
	gt.True(t, errors.Is(err, domain.ErrSpecificationNotValid))
}

func zipCrate(t *testing.T, prefix string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create(prefix + rocrate.MetadataFile)
	gt.NoError(t, err)
	_, err = f.Write([]byte(metadata))
	gt.NoError(t, err)
	f, err = w.Create(prefix + "nested/" + rocrate.MetadataFile)
	gt.NoError(t, err)
	_, err = f.Write([]byte(`{}`))
	gt.NoError(t, err)
	gt.NoError(t, w.Close())
	return buf.Bytes()
}

func TestLoader(t *testing.T) {
	loader := rocrate.NewLoader(nil)

	t.Run("directory", func(t *testing.T) {
		dir := t.TempDir()
		gt.NoError(t, os.WriteFile(filepath.Join(dir, rocrate.MetadataFile), []byte(metadata), 0600))

		suites, err := loader.LoadSuites(t.Context(), &model.WorkflowVersion{ID: "v1", CrateURI: dir})
		gt.NoError(t, err)
		gt.Equal(t, len(suites), 2)
	})

	t.Run("zip file uri", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "crate.zip")
		gt.NoError(t, os.WriteFile(p, zipCrate(t, "wf/"), 0600))

		suites, err := loader.LoadSuites(t.Context(), &model.WorkflowVersion{ID: "v1", CrateURI: "file://" + p})
		gt.NoError(t, err)
		gt.Equal(t, len(suites), 2)
	})

	t.Run("remote zip with auth hint", func(t *testing.T) {
		var auth string
		archive := zipCrate(t, "")
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth = r.Header.Get("Authorization")
			_, _ = w.Write(archive)
		}))
		defer server.Close()

		suites, err := loader.LoadSuites(t.Context(), &model.WorkflowVersion{
			ID:       "v1",
			CrateURI: server.URL + "/crate.zip",
			AuthHint: "Bearer secret",
		})
		gt.NoError(t, err)
		gt.Equal(t, auth, "Bearer secret")
		gt.Equal(t, len(suites), 2)
	})

	t.Run("remote crate missing", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		defer server.Close()

		_, err := loader.LoadSuites(t.Context(), &model.WorkflowVersion{ID: "v1", CrateURI: server.URL})
		gt.True(t, errors.Is(err, domain.ErrEntityNotFound))
	})

	t.Run("local crate missing", func(t *testing.T) {
		_, err := loader.LoadSuites(t.Context(), &model.WorkflowVersion{ID: "v1", CrateURI: filepath.Join(t.TempDir(), "none")})
		gt.True(t, errors.Is(err, domain.ErrEntityNotFound))
	})
}

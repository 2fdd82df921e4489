package rocrate

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

// MetadataFile is the manifest name inside a crate.
const MetadataFile = "ro-crate-metadata.json"

const (
	EngineJenkins = "JenkinsService"
	EngineTravis  = "TravisService"
	EngineGitHub  = "GithubService"
	EnginePlanemo = "PlanemoEngine"
)

var serviceKinds = map[string]model.ServiceKind{
	EngineJenkins: model.ServiceJenkins,
	EngineTravis:  model.ServiceTravis,
	EngineGitHub:  model.ServiceGitHub,
}

var testEngines = map[string]string{
	EnginePlanemo: "planemo",
}

// Crate is the part of an RO-Crate the monitor cares about.
type Crate struct {
	MainEntity string
	Language   string
	Suites     []*model.TestSuite
	// Invalid collects the errors of suites that were skipped.
	Invalid *multierror.Error
}

type entity map[string]json.RawMessage

func (e entity) id() string {
	return e.str("@id")
}

func (e entity) str(name string) string {
	raw, ok := e[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func (e entity) types() []string {
	raw, ok := e["@type"]
	if !ok {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	_ = json.Unmarshal(raw, &many)
	return many
}

func (e entity) is(t string) bool {
	for _, v := range e.types() {
		if v == t {
			return true
		}
	}
	return false
}

// refs returns the @id values of a property holding one reference or a list.
func (e entity) refs(name string) []string {
	raw, ok := e[name]
	if !ok {
		return nil
	}
	type ref struct {
		ID string `json:"@id"`
	}
	var one ref
	if err := json.Unmarshal(raw, &one); err == nil {
		if one.ID == "" {
			return nil
		}
		return []string{one.ID}
	}
	var many []ref
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil
	}
	out := make([]string, 0, len(many))
	for _, r := range many {
		if r.ID != "" {
			out = append(out, r.ID)
		}
	}
	return out
}

func (e entity) ref(name string) string {
	if refs := e.refs(name); len(refs) > 0 {
		return refs[0]
	}
	return ""
}

// termName returns the fragment of a vocabulary IRI such as
// https://w3id.org/ro/terms/test#JenkinsService.
func termName(iri string) string {
	if i := strings.LastIndexAny(iri, "#/"); i >= 0 {
		return iri[i+1:]
	}
	return iri
}

type metadata struct {
	Graph []entity `json:"@graph"`
}

// Parse reads the metadata document of a crate. Suites of versionID that
// cannot be interpreted are skipped and reported in Crate.Invalid.
func Parse(data []byte, versionID string) (*Crate, error) {
	var doc metadata
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, domain.ErrSpecificationNotValid.Wrap(err)
	}
	if len(doc.Graph) == 0 {
		return nil, domain.ErrSpecificationNotValid.Wrap(goerr.New("metadata has no @graph"))
	}

	byID := make(map[string]entity, len(doc.Graph))
	for _, e := range doc.Graph {
		byID[e.id()] = e
	}

	crate := &Crate{}
	if root := rootDataset(byID); root != nil {
		crate.MainEntity = root.ref("mainEntity")
		if main, ok := byID[crate.MainEntity]; ok {
			crate.Language = termName(main.ref("programmingLanguage"))
		}
	}

	for _, e := range doc.Graph {
		if !e.is("TestSuite") {
			continue
		}
		suite, err := parseSuite(e, byID, versionID)
		if err != nil {
			crate.Invalid = multierror.Append(crate.Invalid, err)
			continue
		}
		crate.Suites = append(crate.Suites, suite)
	}

	return crate, nil
}

func rootDataset(byID map[string]entity) entity {
	if desc, ok := byID[MetadataFile]; ok {
		if root, ok := byID[desc.ref("about")]; ok {
			return root
		}
	}
	if root, ok := byID["./"]; ok {
		return root
	}
	return nil
}

func stableID(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(strings.Join(parts, "\x00"))).String()
}

func parseSuite(e entity, byID map[string]entity, versionID string) (*model.TestSuite, error) {
	suiteRef := e.id()
	suite := &model.TestSuite{
		ID:        stableID(versionID, suiteRef),
		VersionID: versionID,
		Name:      e.str("name"),
	}
	if suite.Name == "" {
		suite.Name = strings.TrimPrefix(suiteRef, "#")
	}

	if defRef := e.ref("definition"); defRef != "" {
		def, ok := byID[defRef]
		if !ok {
			return nil, domain.ErrSpecificationNotValid.Wrap(goerr.New("test definition not found"),
				goerr.V("suite", suiteRef), goerr.V("definition", defRef))
		}
		engine := termName(def.ref("conformsTo"))
		name, ok := testEngines[engine]
		if !ok {
			return nil, domain.ErrSpecificationNotValid.Wrap(goerr.New("unknown test engine"),
				goerr.V("suite", suiteRef), goerr.V("engine", engine))
		}
		suite.Definition = &model.TestDefinition{
			Engine:        name,
			EngineVersion: def.str("engineVersion"),
			Path:          defRef,
		}
	}

	for _, instRef := range e.refs("instance") {
		inst, ok := byID[instRef]
		if !ok || !inst.is("TestInstance") {
			return nil, domain.ErrSpecificationNotValid.Wrap(goerr.New("test instance not found"),
				goerr.V("suite", suiteRef), goerr.V("instance", instRef))
		}
		instance, err := parseInstance(inst, suite.ID)
		if err != nil {
			return nil, goerr.Wrap(err, "invalid test instance", goerr.V("suite", suiteRef))
		}
		suite.Instances = append(suite.Instances, instance)
	}

	return suite, nil
}

func parseInstance(e entity, suiteID string) (*model.TestInstance, error) {
	runsOn := termName(e.ref("runsOn"))
	kind, ok := serviceKinds[runsOn]
	if !ok {
		return nil, domain.ErrSpecificationNotValid.Wrap(goerr.New("unknown testing service"),
			goerr.V("instance", e.id()), goerr.V("runs_on", runsOn))
	}

	url := e.str("url")
	if url == "" {
		url = e.ref("url")
	}
	if url == "" {
		return nil, domain.ErrSpecificationNotValid.Wrap(goerr.New("test instance has no url"),
			goerr.V("instance", e.id()))
	}

	name := e.str("name")
	if name == "" {
		name = strings.TrimPrefix(e.id(), "#")
	}
	return &model.TestInstance{
		ID:       stableID(suiteID, e.id()),
		SuiteID:  suiteID,
		Name:     name,
		Service:  model.ServiceRef{Kind: kind, URL: strings.TrimRight(url, "/")},
		Resource: e.str("resource"),
	}, nil
}

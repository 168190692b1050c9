// Package persona implements the Persona/Workflow Loader (C4, §4.4): reads
// persona config, prompt fragments and workflow graphs from the
// filesystem. Files are loaded once per agent start and are immutable
// in-process for a session's lifetime (§4.4); a config.DirWatcher may
// signal that files changed on disk, but only *new* Load calls observe it.
package persona

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/nextlevelbuilder/sonic/internal/errs"
	"github.com/nextlevelbuilder/sonic/internal/model"
)

var personaIDPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Loader reads persona/prompt/workflow files from configured directories.
type Loader struct {
	PersonasDir  string
	PromptsDir   string
	WorkflowsDir string
}

func New(personasDir, promptsDir, workflowsDir string) *Loader {
	return &Loader{PersonasDir: personasDir, PromptsDir: promptsDir, WorkflowsDir: workflowsDir}
}

// LoadedPersona bundles a persona with its resolved prompt text and every
// workflow graph it references.
type LoadedPersona struct {
	Persona   model.PersonaConfig
	Prompt    string
	Workflows map[string]*model.WorkflowGraph
}

// Load performs the three-step load of §4.4, failing fast with
// PersonaMissing / PromptMissing / WorkflowInvalid.
func (l *Loader) Load(agentID string) (*LoadedPersona, error) {
	persona, err := l.loadPersonaConfig(agentID)
	if err != nil {
		return nil, err
	}

	prompt, err := l.loadPromptText(persona.PromptFile)
	if err != nil {
		return nil, err
	}

	workflows := make(map[string]*model.WorkflowGraph, len(persona.Workflows))
	for _, wfID := range persona.Workflows {
		graph, err := l.LoadWorkflow(wfID)
		if err != nil {
			return nil, err
		}
		workflows[wfID] = graph
	}

	return &LoadedPersona{Persona: persona, Prompt: prompt, Workflows: workflows}, nil
}

func (l *Loader) loadPersonaConfig(agentID string) (model.PersonaConfig, error) {
	path := filepath.Join(l.PersonasDir, agentID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return model.PersonaConfig{}, errs.Wrap(errs.PersonaMissing, "persona file: "+path, err)
	}
	var p model.PersonaConfig
	if err := json.Unmarshal(data, &p); err != nil {
		return model.PersonaConfig{}, errs.Wrap(errs.PersonaMissing, "parse persona: "+path, err)
	}
	if p.ID == "" || p.DisplayName == "" || p.PromptFile == "" {
		return model.PersonaConfig{}, errs.New(errs.PersonaMissing, "persona missing required fields: "+path)
	}
	if !personaIDPattern.MatchString(p.ID) {
		return model.PersonaConfig{}, errs.New(errs.ValidationError, "persona id must match ^[a-z0-9-]+$: "+p.ID)
	}
	return p, nil
}

func (l *Loader) loadPromptText(promptFile string) (string, error) {
	path := filepath.Join(l.PromptsDir, promptFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errs.Wrap(errs.PromptMissing, "prompt file: "+path, err)
	}
	return string(data), nil
}

// LoadWorkflow loads and validates a single workflow graph by id (§3 shape
// rules): exactly one start node, decision nodes have >=2 labeled outgoing
// edges.
func (l *Loader) LoadWorkflow(workflowID string) (*model.WorkflowGraph, error) {
	path := filepath.Join(l.WorkflowsDir, fmt.Sprintf("workflow_%s.json", workflowID))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.WorkflowInvalid, "workflow file: "+path, err)
	}
	var graph model.WorkflowGraph
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, errs.Wrap(errs.WorkflowInvalid, "parse workflow: "+path, err)
	}
	if err := validateGraph(&graph); err != nil {
		return nil, err
	}
	return &graph, nil
}

func validateGraph(g *model.WorkflowGraph) error {
	startCount := 0
	byID := map[string]model.WorkflowNode{}
	for _, n := range g.Nodes {
		byID[n.ID] = n
		if n.Type == model.NodeStart {
			startCount++
		}
	}
	if startCount != 1 {
		return errs.New(errs.WorkflowInvalid, fmt.Sprintf("workflow %s must have exactly one start node, found %d", g.ID, startCount))
	}

	outgoing := map[string][]model.WorkflowEdge{}
	for _, e := range g.Edges {
		if _, ok := byID[e.From]; !ok {
			return errs.New(errs.WorkflowInvalid, fmt.Sprintf("workflow %s: edge references unknown from-node %q", g.ID, e.From))
		}
		if _, ok := byID[e.To]; !ok {
			return errs.New(errs.WorkflowInvalid, fmt.Sprintf("workflow %s: edge references unknown to-node %q", g.ID, e.To))
		}
		outgoing[e.From] = append(outgoing[e.From], e)
	}

	for _, n := range g.Nodes {
		if n.Type == model.NodeDecision {
			edges := outgoing[n.ID]
			if len(edges) < 2 {
				return errs.New(errs.WorkflowInvalid, fmt.Sprintf("workflow %s: decision node %q needs >=2 outgoing edges, found %d", g.ID, n.ID, len(edges)))
			}
			for _, e := range edges {
				if e.Label == "" {
					return errs.New(errs.WorkflowInvalid, fmt.Sprintf("workflow %s: decision node %q has an unlabeled edge", g.ID, n.ID))
				}
			}
		}
	}
	return nil
}

package manifest

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ReadYAML parses a YAML definition:
//
//	id: issue-pipeline
//	inputs:
//	  - name: owner
//	    required: true
//	  - name: dry_run
//	    default: false
//	outputs:
//	  - name: pull_request
//	    from: implement.pr_url
//	steps:
//	  - id: analyze
//	    role: analyst
//	    inputs: [owner, repo, id]
//	  - id: ops
//	    role: devops
//	    when: count(children("ops")) > 0
//	    fan_out: children(category="ops")
//	    depends_on: [analyze]
//
// When the inputs list is omitted it is derived from the steps, as for CSV.
func ReadYAML(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if len(m.Steps) == 0 {
		return nil, fmt.Errorf("manifest contains no steps")
	}

	for i := range m.Steps {
		m.Steps[i].Line = i + 1
		if m.Steps[i].ID == "" {
			return nil, fmt.Errorf("manifest step %d: step id is required", i+1)
		}
	}

	for i, in := range m.Inputs {
		if in.Name == "" {
			return nil, fmt.Errorf("manifest input at index %d has no name", i)
		}
	}

	if len(m.Inputs) == 0 {
		m.Inputs = deriveInputs(m.Steps)
	}

	return &m, nil
}

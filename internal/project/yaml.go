// SPDX-License-Identifier: LGPL-3.0-or-later

package project

import "gopkg.in/yaml.v3"

func parseYAML(data []byte) (*Project, error) {
	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func renderYAML(p *Project) ([]byte, error) {
	return yaml.Marshal(p)
}

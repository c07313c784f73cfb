// Copyright 2024 The Kokia Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cliapp

import (
	"github.com/maetin0324/kokia/internal/config"
	"github.com/maetin0324/kokia/internal/orchestrator"
	"github.com/sirupsen/logrus"
)

// spawn builds a Session around a freshly started target and applies the
// async detector's configured exclusion-list extensions.
func spawn(path string, argv []string, cfg *config.Config, log *logrus.Entry) (*orchestrator.Session, error) {
	sess, err := orchestrator.Spawn(path, argv, log)
	if err != nil {
		return nil, err
	}
	applyDetectorConfig(sess, cfg)
	return sess, nil
}

// attach builds a Session around an already-running process.
func attach(pid int, cfg *config.Config, log *logrus.Entry) (*orchestrator.Session, error) {
	sess, err := orchestrator.Attach(pid, log)
	if err != nil {
		return nil, err
	}
	applyDetectorConfig(sess, cfg)
	return sess, nil
}

func applyDetectorConfig(sess *orchestrator.Session, cfg *config.Config) {
	det := sess.Detector()
	for _, p := range cfg.AsyncDetector.ExtraExcludedPrefixes {
		det.AddExcludedPrefix(p)
	}
	for _, s := range cfg.AsyncDetector.ExtraExcludedSubstrings {
		det.AddExcludedPattern(s)
	}
}

/*
Copyright 2024 The Reviewpipe Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package reviewpipe

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/reviewpipe/reviewpipe/internal/platform"
	"github.com/reviewpipe/reviewpipe/model"
)

const defaultSettingsFile = ".reviewpipe.yml"

// RepositorySettings is the per-repository file checked into the default
// location, e.g.
//
//	enabled: true
//	skip_drafts: true
//	ignore_paths:
//	  - vendor/**
//	  - "*.lock"
type RepositorySettings struct {
	Enabled     *bool    `yaml:"enabled" json:"enabled"`
	SkipDrafts  *bool    `yaml:"skip_drafts" json:"skip_drafts"`
	IgnorePaths []string `yaml:"ignore_paths" json:"ignore_paths"`
}

func (s RepositorySettings) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

func (s RepositorySettings) ShouldSkipDrafts() bool {
	return s.SkipDrafts == nil || *s.SkipDrafts
}

// Ignored reports whether file matches one of the ignore patterns. A pattern
// ending in "/**" matches everything below that directory.
func (s RepositorySettings) Ignored(file string) bool {
	for _, pattern := range s.IgnorePaths {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if dir, ok := strings.CutSuffix(pattern, "/**"); ok {
			if file == dir || strings.HasPrefix(file, dir+"/") {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pattern, file); ok {
			return true
		}
		if !strings.Contains(pattern, "/") {
			if ok, _ := path.Match(pattern, path.Base(file)); ok {
				return true
			}
		}
	}
	return false
}

func ParseRepositorySettings(raw []byte) (RepositorySettings, error) {
	var settings RepositorySettings
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return RepositorySettings{}, fmt.Errorf("invalid repository settings: %w", err)
	}
	return settings, nil
}

func settingsCacheKey(subject model.ReviewSubject) string {
	return fmt.Sprintf("settings:%s:%s:%s", subject.Platform, subject.RepositoryID, subject.HeadSHA)
}

// loadSettings reads the settings file at the head commit. A missing file
// means defaults.
func (r *ReviewPipe) loadSettings(ctx context.Context, client platform.Client, subject model.ReviewSubject) (RepositorySettings, error) {
	key := settingsCacheKey(subject)
	var settings RepositorySettings
	if r.cache != nil {
		found, err := r.cache.Get(ctx, key, &settings)
		if err != nil {
			logrus.WithError(err).Warn("settings cache read failed")
		}
		if found {
			return settings, nil
		}
	}

	fileName, ttl := defaultSettingsFile, 5*time.Minute
	if r.conf != nil {
		fileName, ttl = r.conf.Settings.FileName, r.conf.Settings.CacheTTL
	}

	raw, err := client.GetFileContent(ctx, subject, fileName, subject.HeadSHA)
	switch {
	case platform.IsNotFound(err):
		settings = RepositorySettings{}
	case err != nil:
		return RepositorySettings{}, fmt.Errorf("fetch %s: %w", fileName, err)
	default:
		settings, err = ParseRepositorySettings(raw)
		if err != nil {
			return RepositorySettings{}, err
		}
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, key, settings, ttl); err != nil {
			logrus.WithError(err).Warn("settings cache write failed")
		}
	}
	return settings, nil
}

package deps

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func file(s string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(s)}
}

// =============================================================================
// FindManifest Tests
// =============================================================================

func TestFindManifest_PrefersShallowest(t *testing.T) {
	fsys := fstest.MapFS{
		"app/requirements.txt": file(""),
		"requirements-dev.txt": file(""),
	}
	p, ok := FindManifest(fsys)
	require.True(t, ok)
	assert.Equal(t, "requirements-dev.txt", p)
}

func TestFindManifest_NamePriorityAtSameDepth(t *testing.T) {
	fsys := fstest.MapFS{
		"requirements-dev.txt":  file(""),
		"requirements-base.txt": file(""),
		"requirements.txt":      file(""),
	}
	p, ok := FindManifest(fsys)
	require.True(t, ok)
	assert.Equal(t, "requirements.txt", p)
}

func TestFindManifest_SkipsHiddenDirs(t *testing.T) {
	fsys := fstest.MapFS{
		".venv/requirements.txt": file(""),
		"manage.py":              file(""),
	}
	_, ok := FindManifest(fsys)
	assert.False(t, ok)
}

// =============================================================================
// ParseManifest Tests
// =============================================================================

func TestParseManifest_FiltersDenylist(t *testing.T) {
	content := "psycopg2-binary==2.9.9\nrequests==2.31.0\n"

	plan := ParseManifest("requirements.txt", content)

	assert.Equal(t, []string{"requests==2.31.0"}, plan.Packages)
	assert.Equal(t, []string{"psycopg2-binary==2.9.9"}, plan.Skipped)
	assert.Equal(t, "requirements.txt", plan.Source)
}

func TestParseManifest_SkipsCommentsAndOptions(t *testing.T) {
	content := `
# core
Django>=4.2  # pinned later
-r base.txt
--index-url https://example.invalid/simple

whitenoise
mysqlclient
Pillow
Pillow
`
	plan := ParseManifest("requirements.txt", content)

	assert.Equal(t, []string{"Django>=4.2", "whitenoise", "Pillow"}, plan.Packages)
	assert.Equal(t, []string{"mysqlclient"}, plan.Skipped)
}

func TestParseManifest_Empty(t *testing.T) {
	plan := ParseManifest("requirements.txt", "\n# nothing\n")
	assert.True(t, plan.Empty())
}

func TestRequirementName(t *testing.T) {
	tests := map[string]string{
		"Django":                                 "Django",
		"Django>=4.2,<5":                         "Django",
		"django-environ[cache]==0.11":            "django-environ",
		"requests ; python_version >= '3.8'":     "requests",
		"git+https://x.invalid/repo.git#egg=foo": "foo",
		"pkg @ https://x.invalid/pkg.whl":        "pkg",
	}
	for line, want := range tests {
		assert.Equal(t, want, RequirementName(line), line)
	}
}

func TestDenied(t *testing.T) {
	assert.True(t, Denied("psycopg2"))
	assert.True(t, Denied("mysqlclient"))
	assert.True(t, Denied("cx_Oracle"))
	assert.True(t, Denied("pywin32"))
	assert.False(t, Denied("django"))
}

// =============================================================================
// Import Analysis Tests
// =============================================================================

func TestAnalyzeImports(t *testing.T) {
	fsys := fstest.MapFS{
		"manage.py":          file("import os\nimport sys\n"),
		"mysite/settings.py": file("from pathlib import Path\nimport environ\n"),
		"mysite/celery.py":   file("from celery import Celery\n"),
		"blog/views.py":      file(`from django.shortcuts import render
from rest_framework import viewsets
from PIL import Image
import yaml, json
from blog.models import Post
from . import forms
import psycopg2
    import numpy
`),
		"blog/migrations/0001_initial.py": file("import pandas\n"),
		".git/hooks/x.py":                 file("import boto3\n"),
	}

	plan, err := AnalyzeImports(fsys)
	require.NoError(t, err)

	assert.Equal(t, "imports", plan.Source)
	assert.Equal(t, []string{"Pillow", "PyYAML", "celery", "django-environ", "djangorestframework"}, plan.Packages)
	assert.Equal(t, []string{"psycopg2"}, plan.Skipped)
}

func TestPlanFromImports_ExcludesLocalModules(t *testing.T) {
	imports := map[string]bool{"utils": true, "requests": true, "os": true}
	local := map[string]bool{"utils": true}

	plan := PlanFromImports(imports, local)
	assert.Equal(t, []string{"requests"}, plan.Packages)
}

func TestIsStdlib(t *testing.T) {
	assert.True(t, IsStdlib("os"))
	assert.True(t, IsStdlib("__future__"))
	assert.True(t, IsStdlib("django"))
	assert.False(t, IsStdlib("requests"))
}

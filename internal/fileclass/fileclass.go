// Package fileclass classifies file paths by the role they play in a project.
package fileclass

import (
	"path/filepath"
	"strings"
)

// systemFiles are manifests, lockfiles and build configuration whose
// modification affects the whole project.
var systemFiles = map[string]bool{
	"package.json":        true,
	"package-lock.json":   true,
	"yarn.lock":           true,
	"pnpm-lock.yaml":      true,
	"go.mod":              true,
	"go.sum":              true,
	"cargo.toml":          true,
	"cargo.lock":          true,
	"pom.xml":             true,
	"build.gradle":        true,
	"build.gradle.kts":    true,
	"settings.gradle":     true,
	"requirements.txt":    true,
	"pyproject.toml":      true,
	"setup.py":            true,
	"setup.cfg":           true,
	"pipfile":             true,
	"pipfile.lock":        true,
	"poetry.lock":         true,
	"gemfile":             true,
	"gemfile.lock":        true,
	"composer.json":       true,
	"composer.lock":       true,
	"makefile":            true,
	"dockerfile":          true,
	"docker-compose.yml":  true,
	"docker-compose.yaml": true,
	"tsconfig.json":       true,
	"webpack.config.js":   true,
	"vite.config.ts":      true,
	"vite.config.js":      true,
	"babel.config.js":     true,
	".babelrc":            true,
	"cmakelists.txt":      true,
}

// dependencyManifests declare third-party dependencies.
var dependencyManifests = map[string]bool{
	"package.json":     true,
	"go.mod":           true,
	"cargo.toml":       true,
	"pom.xml":          true,
	"build.gradle":     true,
	"build.gradle.kts": true,
	"requirements.txt": true,
	"pyproject.toml":   true,
	"setup.py":         true,
	"pipfile":          true,
	"gemfile":          true,
	"composer.json":    true,
}

var languages = map[string]string{
	".go":    "go",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".cjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".py":    "python",
	".rb":    "ruby",
	".rs":    "rust",
	".java":  "java",
	".kt":    "kotlin",
	".c":     "c",
	".h":     "c",
	".cc":    "cpp",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".php":   "php",
	".swift": "swift",
	".scala": "scala",
	".sh":    "shell",
	".bash":  "shell",
}

func base(path string) string {
	return strings.ToLower(filepath.Base(path))
}

// IsSystemFile reports whether path names a project manifest, lockfile or
// build configuration file.
func IsSystemFile(path string) bool {
	return systemFiles[base(path)]
}

// IsDependencyManifest reports whether path declares project dependencies.
// Lockfiles count as dependency manifests.
func IsDependencyManifest(path string) bool {
	b := base(path)
	return dependencyManifests[b] || IsLockfile(b)
}

// IsLockfile reports whether path is a dependency lockfile.
func IsLockfile(path string) bool {
	b := base(path)
	return strings.HasSuffix(b, ".lock") || b == "package-lock.json" || b == "pnpm-lock.yaml" || b == "go.sum"
}

// Language returns the programming language for path, or "" if unknown.
func Language(path string) string {
	return languages[strings.ToLower(filepath.Ext(path))]
}

// IsSourceFile reports whether path is source code in a known language.
func IsSourceFile(path string) bool {
	return Language(path) != ""
}

package deps

import (
	"io/fs"
	"path"
	"regexp"
	"strings"

	"github.com/artpar/djangohost/internal/core/project"
)

// SourceImports is the Plan.Source of an import-scan plan.
const SourceImports = "imports"

var importPattern = regexp.MustCompile(`(?m)^(?:from|import)\s+([a-zA-Z_][a-zA-Z0-9_]*)`)

// Aliases maps import names to the distribution that provides them.
var Aliases = map[string]string{
	"xlsxwriter":     "XlsxWriter",
	"openpyxl":       "openpyxl",
	"pandas":         "pandas",
	"numpy":          "numpy",
	"requests":       "requests",
	"pillow":         "Pillow",
	"pil":            "Pillow",
	"PIL":            "Pillow",
	"rest_framework": "djangorestframework",
	"corsheaders":    "django-cors-headers",
	"crispy_forms":   "django-crispy-forms",
	"debug_toolbar":  "django-debug-toolbar",
	"django_filters": "django-filter",
	"storages":       "django-storages",
	"environ":        "django-environ",
	"celery":         "celery",
	"redis":          "redis",
	"boto3":          "boto3",
	"reportlab":      "reportlab",
	"yaml":           "PyYAML",
	"cv2":            "opencv-python-headless",
	"sklearn":        "scikit-learn",
	"bs4":            "beautifulsoup4",
	"dotenv":         "python-dotenv",
	"dateutil":       "python-dateutil",
	"jwt":            "PyJWT",
	"whitenoise":     "whitenoise",
}

// stdlibModules are never installed. django is provided by the baseline.
var stdlibModules = map[string]bool{
	"__future__": true, "abc": true, "argparse": true, "array": true, "ast": true,
	"asyncio": true, "base64": true, "binascii": true, "bisect": true, "builtins": true,
	"calendar": true, "cgi": true, "cmath": true, "codecs": true, "collections": true,
	"concurrent": true, "configparser": true, "contextlib": true, "contextvars": true,
	"copy": true, "csv": true, "ctypes": true, "dataclasses": true, "datetime": true,
	"decimal": true, "difflib": true, "django": true, "email": true, "enum": true,
	"errno": true, "fnmatch": true, "fractions": true, "functools": true, "gc": true,
	"getpass": true, "gettext": true, "glob": true, "gzip": true, "hashlib": true,
	"heapq": true, "hmac": true, "html": true, "http": true, "imaplib": true,
	"importlib": true, "inspect": true, "io": true, "ipaddress": true, "itertools": true,
	"json": true, "locale": true, "logging": true, "lzma": true, "mimetypes": true,
	"math": true, "multiprocessing": true, "numbers": true, "operator": true, "os": true,
	"pathlib": true, "pickle": true, "platform": true, "pprint": true, "queue": true,
	"random": true, "re": true, "secrets": true, "select": true, "shlex": true,
	"shutil": true, "signal": true, "smtplib": true, "socket": true, "sqlite3": true,
	"ssl": true, "stat": true, "statistics": true, "string": true, "struct": true,
	"subprocess": true, "sys": true, "tempfile": true, "textwrap": true, "threading": true,
	"time": true, "timeit": true, "traceback": true, "types": true, "typing": true,
	"unicodedata": true, "unittest": true, "urllib": true, "uuid": true, "warnings": true,
	"weakref": true, "xml": true, "zipfile": true, "zoneinfo": true, "zlib": true,
}

// importSkipDirs are not scanned in addition to project.SkipDir.
var importSkipDirs = map[string]bool{
	"migrations": true,
	"tests":      true,
}

// IsStdlib reports whether an import name is part of the standard exclusion set.
func IsStdlib(module string) bool {
	return stdlibModules[module]
}

// ScanImports returns the root module names imported anywhere in the tree
// and the set of module names defined by the project itself.
func ScanImports(fsys fs.FS) (imports, local map[string]bool, err error) {
	imports = make(map[string]bool)
	local = make(map[string]bool)

	err = fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != "." && (project.SkipDir(d.Name()) || importSkipDirs[d.Name()]) {
				return fs.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".py") {
			return nil
		}

		local[moduleName(p)] = true
		for dir := path.Dir(p); dir != "."; dir = path.Dir(dir) {
			local[path.Base(dir)] = true
		}

		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil
		}
		for _, m := range importPattern.FindAllStringSubmatch(string(data), -1) {
			imports[m[1]] = true
		}
		return nil
	})
	return imports, local, err
}

// PlanFromImports maps imported module names to installable packages.
// Standard library, project-local and denylisted names are left out.
func PlanFromImports(imports, local map[string]bool) Plan {
	plan := Plan{Source: SourceImports}
	pkgs := make(map[string]bool)

	for _, mod := range sortedKeys(imports) {
		if IsStdlib(mod) {
			continue
		}
		pkg, aliased := Aliases[mod]
		if !aliased {
			if pkg, aliased = Aliases[strings.ToLower(mod)]; !aliased {
				if local[mod] {
					continue
				}
				pkg = mod
			}
		}
		if Denied(pkg) {
			plan.Skipped = append(plan.Skipped, pkg)
			continue
		}
		pkgs[pkg] = true
	}

	plan.Packages = sortedKeys(pkgs)
	return plan
}

// AnalyzeImports scans the tree and builds an install plan from imports.
func AnalyzeImports(fsys fs.FS) (Plan, error) {
	imports, local, err := ScanImports(fsys)
	if err != nil {
		return Plan{Source: SourceImports}, err
	}
	return PlanFromImports(imports, local), nil
}

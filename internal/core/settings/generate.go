package settings

import (
	"encoding/hex"
	"regexp"
	"strings"
	"text/template"

	"golang.org/x/crypto/blake2b"
)

var quotedValue = regexp.MustCompile(`['"]([^'"]+)['"]`)

// defaultApps are always present in a regenerated settings module.
var defaultApps = []string{
	"django.contrib.admin",
	"django.contrib.auth",
	"django.contrib.contenttypes",
	"django.contrib.sessions",
	"django.contrib.messages",
	"django.contrib.staticfiles",
	"whitenoise.runserver_nostatic",
}

var generatedTemplate = template.Must(template.New("settings").Parse(`from pathlib import Path

BASE_DIR = Path(__file__).resolve().parent.parent

SECRET_KEY = '{{.SecretKey}}'

DEBUG = True

{{.HostsLine}}

INSTALLED_APPS = [
{{- range .Apps}}
    '{{.}}',
{{- end}}
]

MIDDLEWARE = [
    'django.middleware.security.SecurityMiddleware',
    'whitenoise.middleware.WhiteNoiseMiddleware',
    'django.contrib.sessions.middleware.SessionMiddleware',
    'django.middleware.common.CommonMiddleware',
    'django.middleware.csrf.CsrfViewMiddleware',
    'django.contrib.auth.middleware.AuthenticationMiddleware',
    'django.contrib.messages.middleware.MessageMiddleware',
    'django.middleware.clickjacking.XFrameOptionsMiddleware',
]

ROOT_URLCONF = '{{.RootURLConf}}'

TEMPLATES = [
    {
        'BACKEND': 'django.template.backends.django.DjangoTemplates',
        'DIRS': [],
        'APP_DIRS': True,
        'OPTIONS': {
            'context_processors': [
                'django.template.context_processors.debug',
                'django.template.context_processors.request',
                'django.contrib.auth.context_processors.auth',
                'django.contrib.messages.context_processors.messages',
            ],
        },
    },
]

WSGI_APPLICATION = '{{.WSGIApplication}}'

{{.DatabasesBlock}}

LANGUAGE_CODE = 'en-us'
TIME_ZONE = 'UTC'
USE_I18N = True
USE_TZ = True

STATIC_URL = '/static/'
{{.StaticRootLine}}
STATICFILES_STORAGE = 'whitenoise.storage.CompressedManifestStaticFilesStorage'

DEFAULT_AUTO_FIELD = 'django.db.models.BigAutoField'

MEDIA_URL = '/media/'
MEDIA_ROOT = BASE_DIR / 'media'
`))

type generatedSettings struct {
	SecretKey       string
	HostsLine       string
	Apps            []string
	RootURLConf     string
	WSGIApplication string
	DatabasesBlock  string
	StaticRootLine  string
}

// Generate builds a complete settings module. Only ROOT_URLCONF,
// WSGI_APPLICATION and the non-contrib INSTALLED_APPS entries are lifted
// from the original content.
func (r *Rewriter) Generate(original string, p Params) string {
	pkg := p.Package
	if pkg == "" {
		pkg = "config"
	}
	data := generatedSettings{
		SecretKey:       SecretKey(p.WorkDir),
		HostsLine:       hostsLine(p),
		Apps:            append([]string(nil), defaultApps...),
		RootURLConf:     pkg + ".urls",
		WSGIApplication: pkg + ".wsgi.application",
		DatabasesBlock:  strings.Join(databasesBlock(p), "\n"),
		StaticRootLine:  staticRootLine(p),
	}

	lines := splitLines(original)
	seenApps := make(map[string]bool, len(defaultApps))
	for _, a := range defaultApps {
		seenApps[a] = true
	}
	for _, b := range r.grammar.Blocks(lines) {
		text := strings.Join(lines[b.Start:b.End], "\n")
		switch b.Kind {
		case KindRootURLConf:
			if v, ok := assignedString(text); ok {
				data.RootURLConf = v
			}
		case KindWSGI:
			if v, ok := assignedString(text); ok {
				data.WSGIApplication = v
			}
		case KindInstalled:
			for _, app := range userApps(lines[b.Start:b.End]) {
				if !seenApps[app] {
					seenApps[app] = true
					data.Apps = append(data.Apps, app)
				}
			}
		}
	}

	var sb strings.Builder
	if err := generatedTemplate.Execute(&sb, data); err != nil {
		// the template is static; a failure here is a programming error
		panic(err)
	}
	return sb.String()
}

// SecretKey derives a stable, per-deployment key from the working directory.
func SecretKey(workDir string) string {
	sum := blake2b.Sum256([]byte(workDir))
	return "django-insecure-" + hex.EncodeToString(sum[:16])
}

func assignedString(text string) (string, bool) {
	_, rhs, ok := strings.Cut(text, "=")
	if !ok {
		return "", false
	}
	m := quotedValue.FindStringSubmatch(rhs)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// userApps returns quoted app names from an INSTALLED_APPS block, leaving
// out django.contrib apps and anything commented out.
func userApps(block []string) []string {
	var apps []string
	for i, line := range block {
		if i == 0 {
			_, line, _ = strings.Cut(line, "=")
		}
		if j := strings.Index(line, "#"); j >= 0 {
			line = line[:j]
		}
		for _, m := range quotedValue.FindAllStringSubmatch(line, -1) {
			if strings.HasPrefix(m[1], "django.contrib") {
				continue
			}
			apps = append(apps, m[1])
		}
	}
	return apps
}

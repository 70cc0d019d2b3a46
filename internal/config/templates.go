package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/apisession/internal/environment"
)

// Kinds accepted by Template.
const (
	KindClient       = "client"
	KindMockAPI      = "mockapi"
	KindEnvironments = "environments"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindClient:
		return clientTemplate, nil
	case KindMockAPI:
		return mockAPITemplate, nil
	case KindEnvironments:
		return environment.Template(), nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const clientTemplate = `app_version = "linux-vpn@4.0.0"
user_agent = "apisession/1.0"
environment = "prod"
environments_file = ""
transport = "auto"
transport_timeout = "15s"

[keyring]
backend = "sqlite"
path = "local/keyring.db"

# Set both to trust a mock API started with modulus_key_file.
[modulus]
key_file = ""
fingerprint = ""

[log]
level = "info"
file = ""
no_color = false
`

const mockAPITemplate = `addr = "127.0.0.1:8443"
username = "alice"
password = "correct horse"
two_factor_code = ""
metrics = true
modulus_key_file = "local/mockapi-modulus.asc"

[log]
level = "debug"
`

package routing

import (
	"whatsapp-inbox/internal/config"
	"whatsapp-inbox/internal/models"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// fileConfig is the on-disk shape of the routing table:
//
//	global_roles: [SuperAdmin]
//	phones:
//	  - phone_number_id: "104233"
//	    area: athens
//	    allowed_roles: [Sales, Advert]
type fileConfig struct {
	GlobalRoles []models.Role `mapstructure:"global_roles"`
	Phones      []Entry       `mapstructure:"phones"`
}

// DefaultGlobalRoles see every configured phone.
var DefaultGlobalRoles = []models.Role{models.RoleSuperAdmin}

// LoadFile reads a routing table from a YAML, JSON or TOML file.
func LoadFile(path string) (*Directory, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read routing file %s", path)
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, errors.Wrap(err, "decode routing file")
	}
	if len(fc.GlobalRoles) == 0 {
		fc.GlobalRoles = DefaultGlobalRoles
	}
	return NewDirectory(fc.Phones, fc.GlobalRoles)
}

// FromConfig loads ROUTING_FILE when set. Otherwise the single
// PHONE_NUMBER_ID becomes a wildcard phone shared by Sales and Advert.
func FromConfig(cfg *config.Config) (*Directory, error) {
	if cfg.RoutingFile != "" {
		return LoadFile(cfg.RoutingFile)
	}
	var entries []Entry
	if cfg.PhoneNumberID != "" {
		entries = append(entries, Entry{
			PhoneNumberID: cfg.PhoneNumberID,
			Area:          AreaAll,
			AllowedRoles:  []models.Role{models.RoleSales, models.RoleAdvert},
		})
	}
	return NewDirectory(entries, DefaultGlobalRoles)
}

/*
Copyright 2024.

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

// Package config loads the operator's environment-variable configuration
// (spec §6) into a typed Config struct using viper's per-key BindEnv binding,
// so every component is constructed with an explicit value instead of
// reaching for ambient/process-wide state.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/ukserp-ac-uk/guacamole-connection-operator/internal/errkind"
)

// Config is the fully-resolved operator configuration.
type Config struct {
	Database  Database
	Gateway   Gateway
	Directory Directory
	Namespace string
	LogLevel  string
}

// Database holds the connection details for the gateway's backing Postgres
// instance.
type Database struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

// DSN renders the configured database fields as a libpq connection string
// suitable for pgxpool.ParseConfig.
func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=prefer",
		d.Host, d.Port, d.Name, d.User, d.Password)
}

// Gateway holds the operator's own privileged gateway credentials,
// bootstrapped once at startup.
type Gateway struct {
	ServiceAccountUser     string
	ServiceAccountPassword string
}

// Directory holds everything needed to bind and search the LDAP directory.
type Directory struct {
	Host string
	Port int

	UserBaseDN string
	UserFilter string

	GroupBaseDN     string
	GroupFilter     string
	MemberAttribute string

	UsernameAttribute string
	FullnameAttribute string
	EmailAttribute    string

	BindDN       string
	BindPassword string

	PageSize int
}

// required env var keys, named to match spec §6 one-to-one.
const (
	keyDBHost     = "DB_HOST"
	keyDBPort     = "DB_PORT"
	keyDBName     = "DB_NAME"
	keyDBUser     = "DB_USER"
	keyDBPassword = "DB_PASSWORD"

	keyGatewayUser     = "GATEWAY_SERVICE_ACCOUNT_USER"
	keyGatewayPassword = "GATEWAY_SERVICE_ACCOUNT_PASSWORD"

	keyLDAPHost            = "LDAP_HOST"
	keyLDAPPort            = "LDAP_PORT"
	keyLDAPUserBaseDN      = "LDAP_USER_BASE_DN"
	keyLDAPUserFilter      = "LDAP_USER_FILTER"
	keyLDAPGroupBaseDN     = "LDAP_GROUP_BASE_DN"
	keyLDAPGroupFilter     = "LDAP_GROUP_FILTER"
	keyLDAPMemberAttribute = "LDAP_MEMBER_ATTRIBUTE"
	keyLDAPUsernameAttr    = "LDAP_USERNAME_ATTRIBUTE"
	keyLDAPFullnameAttr    = "LDAP_FULLNAME_ATTRIBUTE"
	keyLDAPEmailAttr       = "LDAP_EMAIL_ATTRIBUTE"
	keyLDAPBindDN          = "LDAP_BIND_DN"
	keyLDAPBindPassword    = "LDAP_BIND_PASSWORD"
	keyLDAPPageSize        = "LDAP_PAGE_SIZE"

	keyNamespace = "NAMESPACE"
	keyLogLevel  = "LOG_LEVEL"
)

// requiredKeys lists every variable that must be present; keyLDAPPageSize
// and keyLogLevel are optional and defaulted instead.
var requiredKeys = []string{
	keyDBHost, keyDBPort, keyDBName, keyDBUser, keyDBPassword,
	keyGatewayUser, keyGatewayPassword,
	keyLDAPHost, keyLDAPPort,
	keyLDAPUserBaseDN, keyLDAPUserFilter,
	keyLDAPGroupBaseDN, keyLDAPGroupFilter, keyLDAPMemberAttribute,
	keyLDAPUsernameAttr, keyLDAPFullnameAttr, keyLDAPEmailAttr,
	keyLDAPBindDN, keyLDAPBindPassword,
	keyNamespace,
}

// Load reads the configuration from the process environment. A missing
// required variable is ConfigMissing, fatal at startup per spec §7.
func Load() (Config, error) {
	v := viper.New()
	v.SetDefault(keyLDAPPageSize, 100)
	v.SetDefault(keyLogLevel, "DEBUG")

	// BindEnv registers each key explicitly rather than relying on
	// AutomaticEnv, whose IsSet() support is unreliable for keys it has
	// never been asked to Get(): explicit binding makes presence checks
	// below trustworthy.
	for _, key := range append(append([]string{}, requiredKeys...), keyLDAPPageSize, keyLogLevel) {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	for _, key := range requiredKeys {
		if _, ok := os.LookupEnv(key); !ok || v.GetString(key) == "" {
			return Config{}, errkind.Newf(errkind.ConfigMissing, "missing required environment variable %s", key)
		}
	}

	return Config{
		Database: Database{
			Host:     v.GetString(keyDBHost),
			Port:     v.GetInt(keyDBPort),
			Name:     v.GetString(keyDBName),
			User:     v.GetString(keyDBUser),
			Password: v.GetString(keyDBPassword),
		},
		Gateway: Gateway{
			ServiceAccountUser:     v.GetString(keyGatewayUser),
			ServiceAccountPassword: v.GetString(keyGatewayPassword),
		},
		Directory: Directory{
			Host:              v.GetString(keyLDAPHost),
			Port:              v.GetInt(keyLDAPPort),
			UserBaseDN:        v.GetString(keyLDAPUserBaseDN),
			UserFilter:        v.GetString(keyLDAPUserFilter),
			GroupBaseDN:       v.GetString(keyLDAPGroupBaseDN),
			GroupFilter:       v.GetString(keyLDAPGroupFilter),
			MemberAttribute:   v.GetString(keyLDAPMemberAttribute),
			UsernameAttribute: v.GetString(keyLDAPUsernameAttr),
			FullnameAttribute: v.GetString(keyLDAPFullnameAttr),
			EmailAttribute:    v.GetString(keyLDAPEmailAttr),
			BindDN:            v.GetString(keyLDAPBindDN),
			BindPassword:      v.GetString(keyLDAPBindPassword),
			PageSize:          v.GetInt(keyLDAPPageSize),
		},
		Namespace: v.GetString(keyNamespace),
		LogLevel:  v.GetString(keyLogLevel),
	}, nil
}

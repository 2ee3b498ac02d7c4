package util

import (
	_ "embed"
	"fmt"
	"gopkg.in/yaml.v3"
	"log"
	"os"
	"strconv"
)

const Name = "mammut"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host            string
		SshPort         int    `yaml:"sshPort"`
		HttpPort        int    `yaml:"httpPort"`
		ServerName      string `yaml:"serverName"`
		AdminKey        string `yaml:"adminKey"`
		WithFederation  bool   `yaml:"withFederation"`
		SendIntervalSec int    `yaml:"sendIntervalSec"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	// Try to read from resolved path
	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		// Try to write default config to user config directory
		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	envHost := os.Getenv("MAMMUT_HOST")
	envSshPort := os.Getenv("MAMMUT_SSHPORT")
	envHttpPort := os.Getenv("MAMMUT_HTTPPORT")
	envServerName := os.Getenv("MAMMUT_SERVERNAME")
	envAdminKey := os.Getenv("MAMMUT_ADMINKEY")
	envWithFederation := os.Getenv("MAMMUT_WITH_FEDERATION")
	envSendInterval := os.Getenv("MAMMUT_SEND_INTERVAL_SEC")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envSshPort != "" {
		v, err := strconv.Atoi(envSshPort)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.SshPort = v
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HttpPort = v
	}

	if envServerName != "" {
		c.Conf.ServerName = envServerName
	}

	if envAdminKey != "" {
		c.Conf.AdminKey = envAdminKey
	}

	if envWithFederation == "true" {
		c.Conf.WithFederation = true
	}

	if envSendInterval != "" {
		v, err := strconv.Atoi(envSendInterval)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.SendIntervalSec = v
	}

	if c.Conf.SendIntervalSec <= 0 {
		c.Conf.SendIntervalSec = 10
	}

	return c, nil
}

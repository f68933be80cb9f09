package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace:  "~/.steward/workspace",
			SkillsDir:  "~/.steward/skills",
			LogLevel:   "info",
			BusBuffer:  100,
			Workers:    5,
			QueueDepth: 16,
		},
		Reasoning: ReasoningConfig{
			DefaultProvider:  "ollama",
			MaxIterations:    20,
			MaxTokens:        4096,
			Temperature:      0.7,
			HistoryLimit:     50,
			CompactThreshold: 150,
			CompactKeep:      50,
		},
		Providers: map[string]ProviderConfig{
			"ollama": {
				Enabled:      true,
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
			},
			"openai": {
				Enabled: false,
				APIKey:  "${STEWARD_OPENAI_API_KEY}",
			},
		},
		Channels: ChannelsConfig{
			CLI: CLIConfig{Enabled: true},
			Discord: DiscordConfig{
				Enabled: false,
				Token:   "${STEWARD_DISCORD_TOKEN}",
			},
			Telegram: TelegramConfig{
				Enabled: false,
				Token:   "${STEWARD_TELEGRAM_TOKEN}",
			},
		},
		Store: StoreConfig{
			DBPath: "~/.steward/steward.db",
		},
		Guardrail: GuardrailConfig{
			Denylist:              defaultDenylist(),
			Allowlist:             defaultAllowlist(),
			ConfirmPatterns:       defaultConfirmPatterns(),
			ConfirmTimeoutSeconds: 120,
			AuditLog:              true,
		},
		Delegation: DelegationConfig{
			TimeoutSeconds: 300,
			MaxIterations:  15,
		},
		Routine: RoutineConfig{
			Enabled:             true,
			TickIntervalSeconds: 60,
		},
		Tools: ToolsConfig{
			Shell: ShellToolConfig{
				TimeoutSeconds: 30,
				MaxOutputBytes: 65536,
			},
		},
	}
}

// defaultDenylist blocks irreversibly destructive commands outright.
func defaultDenylist() []string {
	return []string{
		"rm -rf /",
		"rm -rf /*",
		"mkfs",
		"dd if=",
		":(){:|:&};:",
		"chmod -R 777 /",
		"mv /* /dev/null",
		"> /dev/sd",
	}
}

// defaultAllowlist passes read-only commands without confirmation. Entries
// match the command's leading token only, never substrings.
func defaultAllowlist() []string {
	return []string{
		"ls", "cat", "echo", "pwd", "date", "whoami",
		"git status", "git log", "git diff", "git branch",
		"uname", "uptime", "df -h", "free -h",
	}
}

// defaultConfirmPatterns require explicit user approval.
func defaultConfirmPatterns() []string {
	return []string{
		"rm ", "rmdir ", "sudo ", "mv ", "chmod ", "chown ",
		"kill ", "killall ", "shutdown", "reboot",
		"git push --force", "git reset --hard",
		"curl ", "wget ",
	}
}

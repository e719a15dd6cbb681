package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tushaar82/velox-engine/pkg/secretstore"
)

// 把 .env 里 VELOX_BROKER_ 前缀的键导入 badger 凭据库，
// 作为 broker:<name> 的凭据集（引擎启动时只读取凭据库，不读环境变量）。
func main() {
	var (
		inPath     = flag.String("in", ".env", "input .env file path")
		dbPath     = flag.String("badger", getenv("VELOX_SECRET_DB", "data/secrets.badger"), "badger secrets db path")
		secretKey  = flag.String("secret-key", getenv("VELOX_SECRET_KEY", ""), "badger encryption key (32 bytes hex)")
		brokerName = flag.String("broker", "", "broker name (credentials key: broker:<name>)")
	)
	flag.Parse()

	if strings.TrimSpace(*brokerName) == "" {
		fatal(fmt.Errorf("broker name is required: pass -broker"))
	}

	var keyBytes []byte
	if strings.TrimSpace(*secretKey) != "" {
		var err error
		keyBytes, err = secretstore.ParseKeyHex(*secretKey)
		if err != nil {
			fatal(err)
		}
	}

	kv, err := parseDotEnvFile(*inPath)
	if err != nil {
		fatal(err)
	}

	// 只导入 VELOX_BROKER_ 前缀的键，键名转小写作为凭据字段名
	creds := map[string]string{}
	for k, v := range kv {
		if !strings.HasPrefix(k, "VELOX_BROKER_") {
			continue
		}
		creds[strings.ToLower(strings.TrimPrefix(k, "VELOX_BROKER_"))] = v
	}
	if len(creds) == 0 {
		fatal(fmt.Errorf("no VELOX_BROKER_* keys found in %s", *inPath))
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          *dbPath,
		EncryptionKey: keyBytes,
		ReadOnly:      false,
	})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	if err := ss.PutCredentials(*brokerName, creds); err != nil {
		fatal(err)
	}

	fmt.Fprintf(os.Stderr, "已导入 %d 项凭据到 badger：%s（broker=%s）\n", len(creds), *dbPath, *brokerName)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}

func parseDotEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, line := range strings.Split(string(b), "\n") {
		l := strings.TrimSpace(strings.TrimRight(line, "\r"))
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		eq := strings.Index(l, "=")
		if eq <= 0 {
			continue
		}
		k := strings.TrimSpace(l[:eq])
		v := strings.TrimSpace(l[eq+1:])
		v = strings.Trim(v, `"'`)
		out[k] = v
	}
	return out, nil
}

package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/OnitiFR/tcpfwd/cmd/tcpfwd/server"
	"github.com/OnitiFR/tcpfwd/common"
	"github.com/joho/godotenv"
)

// environment (and .env file) can provide flag defaults
func loadDotEnv() {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf(".env: %s", err)
	}
}

func envDefault(key string, def string) string {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return def
	}
	return val
}

func envBool(key string) bool {
	val, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && val
}

func main() {
	loadDotEnv()

	configPath := flag.String("path", envDefault("TCPFWD_PATH", "./etc/"), "configuration path")
	configTrace := flag.Bool("trace", envBool("TCPFWD_TRACE"), "show trace messages (connection log)")
	configVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *configVersion {
		fmt.Println(common.Version)
		os.Exit(0)
	}

	config, err := server.NewAppConfigFromTomlFile(*configPath)
	if err != nil {
		log.Fatalf("%s (%s): %s", server.AppConfigFilename, *configPath, err)
	}

	app, err := server.NewApp(config, *configTrace)
	if err != nil {
		var listenErr *server.ListenError
		if errors.As(err, &listenErr) {
			fmt.Fprintf(os.Stderr, "Fatal error: %s\n", err)
			fmt.Fprintln(os.Stderr, "For 'bind: permission denied' on lower ports, you may use setcap:")
			fmt.Fprintln(os.Stderr, "Ex: setcap 'cap_net_bind_service=+ep' tcpfwd")
			os.Exit(99)
		}
		log.Fatalf("Fatal error: %s", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for sig := range sigs {
			switch sig {
			case syscall.SIGQUIT:
				// kill -QUIT $(pidof tcpfwd)
				app.Dump(os.Stdout)
			default:
				app.Log.Infof("%s received", sig)
				app.Shutdown()
			}
		}
	}()

	err = app.Run()
	if err != nil {
		app.Log.Error(err.Error())
		os.Exit(1)
	}
}

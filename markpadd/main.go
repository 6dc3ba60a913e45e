package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/markpad/markpad/api"
	"github.com/markpad/markpad/convert"
	"github.com/markpad/markpad/hub"
	"github.com/markpad/markpad/imagehost"
	"github.com/markpad/markpad/store"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Markpad server.

Serves the document api and the collaboration rooms. Without --database_url
documents live in memory only. Without --password the api is open.

Usage:
    markpadd run [--port=<port>]
        [--database_url=<database_url>]
        [--redis_url=<redis_url>]
        [--password=<password>]
        [--jwt_secret=<jwt_secret>]
        [--github_token=<github_token>]
        [--github_owner=<github_owner>]
        [--github_repo=<github_repo>]
        [--github_branch=<github_branch>]
        [--pandoc=<pandoc>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --database_url=<database_url>    Postgres url.
    --redis_url=<redis_url>          Redis url for multi-instance relay.
    --password=<password>            Shared access password.
    --jwt_secret=<jwt_secret>        Token signing secret.
    --github_token=<github_token>    Image hosting token.
    --github_owner=<github_owner>    Image hosting repo owner.
    --github_repo=<github_repo>      Image hosting repo.
    --github_branch=<github_branch>  Image hosting branch [default: images].
    --pandoc=<pandoc>                Pandoc binary [default: pandoc].
    -p --port=<port>                 Listen port [default: 3001].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version())
	if err != nil {
		panic(err)
	}

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	}
}

func optString(opts docopt.Opts, name string, defaultValue string) string {
	if value := opts[name]; value != nil {
		return value.(string)
	}
	return defaultValue
}

func run(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	cancelCtx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	defer cancel()

	var documentStore store.DocumentStore
	if databaseUrl := optString(opts, "--database_url", ""); databaseUrl != "" {
		pgStore, err := store.NewPgStore(cancelCtx, &store.PgSettings{
			DatabaseUrl: databaseUrl,
		})
		if err != nil {
			panic(err)
		}
		defer pgStore.Close()
		documentStore = pgStore
	} else {
		glog.Infof("[markpadd]no database configured, documents are memory only\n")
		documentStore = store.NewMemoryStore()
	}

	var relay hub.Relay
	if redisUrl := optString(opts, "--redis_url", ""); redisUrl != "" {
		redisRelay, err := hub.NewRedisRelay(&hub.RedisRelaySettings{
			RedisUrl: redisUrl,
		})
		if err != nil {
			panic(err)
		}
		relay = redisRelay
	}

	roomHub := hub.NewHub(cancelCtx, documentStore, relay, hub.DefaultHubSettings())
	defer roomHub.Close()

	converterSettings := convert.DefaultConverterSettings()
	converterSettings.PandocPath = optString(opts, "--pandoc", converterSettings.PandocPath)
	converter := convert.NewConverter(converterSettings)

	var images *imagehost.GithubHost
	if githubToken := optString(opts, "--github_token", ""); githubToken != "" {
		imageSettings := imagehost.DefaultGithubHostSettings()
		imageSettings.Token = githubToken
		imageSettings.Owner = optString(opts, "--github_owner", "")
		imageSettings.Repo = optString(opts, "--github_repo", "")
		imageSettings.Branch = optString(opts, "--github_branch", imageSettings.Branch)
		images = imagehost.NewGithubHost(imageSettings)
	}

	serverSettings := api.DefaultServerSettings()
	serverSettings.ListenAddr = fmt.Sprintf(":%d", port)
	serverSettings.Password = optString(opts, "--password", "")
	serverSettings.JwtSecret = optString(opts, "--jwt_secret", "")

	server := api.NewServer(
		cancelCtx,
		documentStore,
		converter,
		images,
		roomHub,
		serverSettings,
	)

	fmt.Printf("markpadd %s on *:%d\n", Version(), port)
	if err := server.Run(); err != nil {
		panic(err)
	}
}

func Version() string {
	if version := os.Getenv("MARKPAD_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}

package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"syscall"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/markpad/markpad/api"
	"github.com/markpad/markpad/convert"
)

const DefaultApiUrl = "http://localhost:3001"

const LocalVersion = "0.0.0-local"

func main() {
	usage := fmt.Sprintf(
		`Markpad control.

The default url is:
    api_url: %s

Usage:
    markctl login [--api_url=<api_url>] [--password=<password>]
    markctl list [--api_url=<api_url>] [--token=<token>]
    markctl get <document_id> [--api_url=<api_url>] [--token=<token>]
    markctl create --title=<title> [--file=<file>] [--api_url=<api_url>] [--token=<token>]
    markctl update <document_id> --title=<title> [--file=<file>] [--api_url=<api_url>] [--token=<token>]
    markctl delete <document_id> [--api_url=<api_url>] [--token=<token>]
    markctl export <document_id> --format=<format> --out=<out> [--api_url=<api_url>] [--token=<token>]
    markctl import <file> [--format=<format>] [--api_url=<api_url>] [--token=<token>]
    markctl upload <file> [--api_url=<api_url>] [--token=<token>]
    markctl formats [--api_url=<api_url>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --api_url=<api_url>
    --token=<token>        Bearer token from login.
    --password=<password>
    --title=<title>
    --file=<file>          Read content from file instead of stdin.
    --format=<format>
    --out=<out>            Output file.`,
		DefaultApiUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version())
	if err != nil {
		panic(err)
	}

	client := newClient(opts)
	ctx := context.Background()

	if login_, _ := opts.Bool("login"); login_ {
		login(ctx, client, opts)
	} else if list_, _ := opts.Bool("list"); list_ {
		list(ctx, client)
	} else if get_, _ := opts.Bool("get"); get_ {
		get(ctx, client, opts)
	} else if create_, _ := opts.Bool("create"); create_ {
		create(ctx, client, opts)
	} else if update_, _ := opts.Bool("update"); update_ {
		update(ctx, client, opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		deleteDocument(ctx, client, opts)
	} else if export_, _ := opts.Bool("export"); export_ {
		exportDocument(ctx, client, opts)
	} else if import_, _ := opts.Bool("import"); import_ {
		importDocument(ctx, client, opts)
	} else if upload_, _ := opts.Bool("upload"); upload_ {
		upload(ctx, client, opts)
	} else if formats_, _ := opts.Bool("formats"); formats_ {
		formats(ctx, client)
	}
}

func newClient(opts docopt.Opts) *api.Client {
	settings := api.DefaultClientSettings()
	settings.BaseUrl = DefaultApiUrl
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		settings.BaseUrl = apiUrlAny.(string)
	}
	if tokenAny := opts["--token"]; tokenAny != nil {
		settings.Token = tokenAny.(string)
	}
	return api.NewClient(settings)
}

func login(ctx context.Context, client *api.Client, opts docopt.Opts) {
	var password string
	if passwordAny := opts["--password"]; passwordAny != nil {
		password = passwordAny.(string)
	} else {
		fmt.Print("Enter password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		password = string(passwordBytes)
		fmt.Printf("\n")
	}

	token, err := client.Login(ctx, password)
	if err != nil {
		panic(err)
	}
	if token == "" {
		fmt.Printf("no password configured, no token needed\n")
		return
	}
	fmt.Printf("%s\n", token)
}

func list(ctx context.Context, client *api.Client) {
	documents, err := client.ListDocuments(ctx)
	if err != nil {
		panic(err)
	}
	for _, document := range documents {
		fmt.Printf("%s  %s  %s\n", document.Id, document.UpdatedAt.Format("2006-01-02 15:04"), document.Title)
	}
}

func get(ctx context.Context, client *api.Client, opts docopt.Opts) {
	document, err := client.GetDocument(ctx, opts["<document_id>"].(string))
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s", document.Content)
}

func readContent(opts docopt.Opts) string {
	if fileAny := opts["--file"]; fileAny != nil {
		content, err := os.ReadFile(fileAny.(string))
		if err != nil {
			panic(err)
		}
		return string(content)
	}
	return ""
}

func create(ctx context.Context, client *api.Client, opts docopt.Opts) {
	document, err := client.CreateDocument(ctx, opts["--title"].(string), readContent(opts))
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", document.Id)
}

func update(ctx context.Context, client *api.Client, opts docopt.Opts) {
	document, err := client.UpdateDocument(
		ctx,
		opts["<document_id>"].(string),
		opts["--title"].(string),
		readContent(opts),
	)
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", document.Id)
}

func deleteDocument(ctx context.Context, client *api.Client, opts docopt.Opts) {
	if err := client.DeleteDocument(ctx, opts["<document_id>"].(string)); err != nil {
		panic(err)
	}
}

func exportDocument(ctx context.Context, client *api.Client, opts docopt.Opts) {
	format := opts["--format"].(string)
	out := opts["--out"].(string)

	document, err := client.GetDocument(ctx, opts["<document_id>"].(string))
	if err != nil {
		panic(err)
	}
	output, err := client.Export(ctx, document.Content, format, filepath.Base(out))
	if err != nil {
		panic(err)
	}
	if err := os.WriteFile(out, output, 0644); err != nil {
		panic(err)
	}
	fmt.Printf("%s (%d bytes)\n", out, len(output))
}

func importDocument(ctx context.Context, client *api.Client, opts docopt.Opts) {
	file := opts["<file>"].(string)
	var format string
	if formatAny := opts["--format"]; formatAny != nil {
		format = formatAny.(string)
	} else {
		format = convert.FormatFromFilename(file)
	}

	input, err := os.ReadFile(file)
	if err != nil {
		panic(err)
	}
	markdown, err := client.Import(ctx, input, format, filepath.Base(file))
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s", markdown)
}

func upload(ctx context.Context, client *api.Client, opts docopt.Opts) {
	file := opts["<file>"].(string)
	image, err := os.ReadFile(file)
	if err != nil {
		panic(err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(file))
	url, err := client.UploadImage(ctx, image, filepath.Base(file), mimeType)
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", url)
}

func formats(ctx context.Context, client *api.Client) {
	available, err := client.ListFormats(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("export:")
	for _, format := range available.Export {
		fmt.Printf(" %s", format)
	}
	fmt.Printf("\nimport:")
	for _, format := range available.Import {
		fmt.Printf(" %s", format)
	}
	fmt.Printf("\n")
}

func Version() string {
	if version := os.Getenv("MARKPAD_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}

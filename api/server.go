// Package api serves the HTTP surface: document CRUD, pandoc export and
// import, image upload, auth, and the room websocket.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/markpad/markpad/convert"
	"github.com/markpad/markpad/hub"
	"github.com/markpad/markpad/imagehost"
	"github.com/markpad/markpad/store"
)

type ServerSettings struct {
	ListenAddr string

	// shared access password; empty disables auth entirely
	Password  string
	JwtSecret string
	TokenTtl  time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		ListenAddr:   ":3001",
		TokenTtl:     24 * time.Hour,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

type Server struct {
	ctx context.Context

	store     store.DocumentStore
	converter *convert.Converter
	// nil disables /api/upload
	images *imagehost.GithubHost
	hub    *hub.Hub

	auth *authority

	settings *ServerSettings
}

func NewServer(
	ctx context.Context,
	documentStore store.DocumentStore,
	converter *convert.Converter,
	images *imagehost.GithubHost,
	roomHub *hub.Hub,
	settings *ServerSettings,
) *Server {
	return &Server{
		ctx:       ctx,
		store:     documentStore,
		converter: converter,
		images:    images,
		hub:       roomHub,
		auth:      newAuthority(settings.Password, settings.JwtSecret, settings.TokenTtl),
		settings:  settings,
	}
}

// Router builds the full route table.
func (self *Server) Router() *mux.Router {
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/documents", self.listDocuments).Methods(http.MethodGet)
	api.HandleFunc("/documents", self.auth.require(self.createDocument)).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}", self.getDocument).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}", self.auth.require(self.updateDocument)).Methods(http.MethodPut)
	api.HandleFunc("/documents/{id}", self.auth.require(self.deleteDocument)).Methods(http.MethodDelete)

	api.HandleFunc("/export", self.exportDocument).Methods(http.MethodPost)
	api.HandleFunc("/import", self.importDocument).Methods(http.MethodPost)
	api.HandleFunc("/formats", self.listFormats).Methods(http.MethodGet)

	api.HandleFunc("/upload", self.auth.require(self.uploadImage)).Methods(http.MethodPost)

	api.HandleFunc("/auth/verify", self.verifyPassword).Methods(http.MethodPost)

	if self.hub != nil {
		router.HandleFunc("/ws/{room}", self.hub.ServeWs)
	}
	return router
}

// Run serves until the context is done.
func (self *Server) Run() error {
	server := &http.Server{
		Addr:         self.settings.ListenAddr,
		Handler:      self.Router(),
		ReadTimeout:  self.settings.ReadTimeout,
		WriteTimeout: self.settings.WriteTimeout,
	}
	go func() {
		<-self.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	glog.Infof("[api]listening on %s\n", self.settings.ListenAddr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Every JSON response is an envelope: {"success": true, "data": ...} or
// {"success": false, "error": "..."}.

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Bypass  bool   `json:"bypass,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&envelope{
		Success: true,
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&envelope{
		Success: false,
		Error:   message,
	})
}

func (self *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	documents, err := self.store.List(r.Context())
	if err != nil {
		glog.Infof("[api]list error = %s\n", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch documents")
		return
	}
	writeData(w, http.StatusOK, documents)
}

func (self *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	document, err := self.store.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Document not found")
		return
	}
	if err != nil {
		glog.Infof("[api]get error = %s\n", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch document")
		return
	}
	writeData(w, http.StatusOK, document)
}

type documentRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (self *Server) createDocument(w http.ResponseWriter, r *http.Request) {
	var request documentRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if request.Title == "" {
		request.Title = "Untitled"
	}
	document, err := self.store.Create(r.Context(), request.Title, request.Content)
	if err != nil {
		glog.Infof("[api]create error = %s\n", err)
		writeError(w, http.StatusInternalServerError, "Failed to create document")
		return
	}
	writeData(w, http.StatusCreated, document)
}

type documentUpdateRequest struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
}

func (self *Server) updateDocument(w http.ResponseWriter, r *http.Request) {
	var request documentUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	id := mux.Vars(r)["id"]
	existing, err := self.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Document not found")
		return
	}
	if err != nil {
		glog.Infof("[api]update error = %s\n", err)
		writeError(w, http.StatusInternalServerError, "Failed to update document")
		return
	}
	// omitted fields keep their stored values
	title := existing.Title
	if request.Title != nil {
		title = *request.Title
	}
	content := existing.Content
	if request.Content != nil {
		content = *request.Content
	}
	document, err := self.store.Update(r.Context(), id, title, content)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Document not found")
		return
	}
	if err != nil {
		glog.Infof("[api]update error = %s\n", err)
		writeError(w, http.StatusInternalServerError, "Failed to update document")
		return
	}
	writeData(w, http.StatusOK, document)
}

func (self *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := self.store.Delete(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Document not found")
		return
	}
	if err != nil {
		glog.Infof("[api]delete error = %s\n", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete document")
		return
	}
	writeData(w, http.StatusOK, map[string]string{"id": id})
}

type exportRequest struct {
	Content  string `json:"content"`
	Format   string `json:"format"`
	Filename string `json:"filename"`
}

func (self *Server) exportDocument(w http.ResponseWriter, r *http.Request) {
	var request exportRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if request.Content == "" {
		writeError(w, http.StatusBadRequest, "No content provided")
		return
	}
	if !convert.IsExportFormat(request.Format) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf(
			"Invalid format. Supported formats: %s",
			formatList(convert.ExportFormats),
		))
		return
	}

	output, err := self.converter.Export(r.Context(), request.Content, request.Format)
	if err != nil {
		glog.Infof("[api]export error = %s\n", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	filename := request.Filename
	if filename == "" {
		filename = "document." + request.Format
	}
	w.Header().Set("Content-Type", convert.ContentType(request.Format))
	w.Header().Set(
		"Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s"`, url.PathEscape(filename)),
	)
	w.Write(output)
}

type importRequest struct {
	// base64 file bytes
	Content  string `json:"content"`
	Format   string `json:"format"`
	Filename string `json:"filename"`
}

func (self *Server) importDocument(w http.ResponseWriter, r *http.Request) {
	var request importRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if request.Content == "" {
		writeError(w, http.StatusBadRequest, "No content provided")
		return
	}
	format := request.Format
	if format == "" {
		format = convert.FormatFromFilename(request.Filename)
	}
	if format == "" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf(
			"Format not specified. Supported formats: %s",
			formatList(convert.ImportFormats),
		))
		return
	}

	input, err := base64.StdEncoding.DecodeString(request.Content)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Content is not valid base64")
		return
	}
	markdown, err := self.converter.Import(r.Context(), input, format)
	if err != nil {
		glog.Infof("[api]import error = %s\n", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]string{"markdown": markdown})
}

func (self *Server) listFormats(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string][]string{
		"export": convert.ExportFormats,
		"import": convert.ImportFormats,
	})
}

func (self *Server) uploadImage(w http.ResponseWriter, r *http.Request) {
	if self.images == nil || !self.images.IsConfigured() {
		writeError(w, http.StatusServiceUnavailable, "Image hosting not configured")
		return
	}
	if err := r.ParseMultipartForm(imagehost.MaxImageBytes); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart body")
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No image file provided")
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if !imagehost.IsAllowedMimeType(mimeType) {
		writeError(w, http.StatusBadRequest, "Invalid file type. Only images are allowed.")
		return
	}
	image, err := io.ReadAll(io.LimitReader(file, imagehost.MaxImageBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read image")
		return
	}
	if imagehost.MaxImageBytes < len(image) {
		writeError(w, http.StatusBadRequest, "Image too large")
		return
	}

	cdnUrl, err := self.images.Upload(r.Context(), image, header.Filename, mimeType)
	if err != nil {
		glog.Infof("[api]upload error = %s\n", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]string{"url": cdnUrl})
}

type verifyRequest struct {
	Password string `json:"password"`
}

// verifyPassword trades the shared password for a bearer token. With no
// password configured the response carries bypass instead of a token.
func (self *Server) verifyPassword(w http.ResponseWriter, r *http.Request) {
	if !self.auth.enabled() {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&envelope{
			Success: true,
			Bypass:  true,
		})
		return
	}
	var request verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Password == "" {
		writeError(w, http.StatusBadRequest, "Password required")
		return
	}
	token, err := self.auth.verify(request.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid password")
		return
	}
	writeData(w, http.StatusOK, map[string]string{"token": token})
}

func formatList(formats []string) string {
	out := ""
	for i, format := range formats {
		if 0 < i {
			out += ", "
		}
		out += format
	}
	return out
}

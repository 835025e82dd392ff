package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"satmsg/mailbox"
)

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": s.version})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.manager.Status())
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	outbox := s.store.ReadOutbox()
	if outbox == nil {
		outbox = []*mailbox.Message{}
	}
	writeJSON(w, outbox)
}

func (s *Server) handleRecipients(w http.ResponseWriter, r *http.Request) {
	recipients := s.store.ListRecipients(s.localUser)
	if recipients == nil {
		recipients = []string{}
	}
	writeJSON(w, recipients)
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	recipient := mux.Vars(r)["recipient"]

	// Opening the thread counts as reading it.
	s.manager.ClearMessagePending(recipient)

	thread := s.store.GetThread(s.localUser, recipient)
	if thread == nil {
		thread = []*mailbox.Message{}
	}
	writeJSON(w, thread)
}

func (s *Server) handleThreadDelete(w http.ResponseWriter, r *http.Request) {
	recipient := mux.Vars(r)["recipient"]

	s.store.DeleteThread(s.localUser, recipient)
	s.manager.ClearMessagePending(recipient)

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

type sendRequest struct {
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Recipient == "" || req.Body == "" {
		http.Error(w, "recipient and body are required", http.StatusBadRequest)
		return
	}

	if err := s.store.QueueMessageSend(s.localUser, req.Recipient, req.Body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.manager.CheckOutbox()

	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"status":"queued"}`))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.manager.CheckOutbox()
	s.manager.GetMessages(false)

	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	s.manager.RequestSignalStrength()

	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

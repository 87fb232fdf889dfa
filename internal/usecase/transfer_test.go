package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"teams-file-bot/internal/domain"
)

type uploadRecorder struct {
	mu      sync.Mutex
	method  string
	length  int64
	rng     string
	body    string
	calls   int
	status  int
	blockOn bool
}

func (u *uploadRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	u.calls++
	u.method = r.Method
	u.length = r.ContentLength
	u.rng = r.Header.Get("Content-Range")
	u.body = string(body)
	status, block := u.status, u.blockOn
	u.mu.Unlock()

	if block {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		return
	}
	w.WriteHeader(status)
}

func newTransferEnv(t *testing.T, opts ...TransferOption) (*Transfer, *fakeTurn) {
	t.Helper()
	tr, err := NewTransfer(newTestStore(t), opts...)
	require.NoError(t, err)
	return tr, newTurn("")
}

func acceptResponse(uploadURL string) domain.FileConsentCardResponse {
	return domain.FileConsentCardResponse{
		Action:  domain.ConsentActionAccept,
		Context: json.RawMessage(`{"filename":"report.xlsx"}`),
		UploadInfo: &domain.FileUploadInfo{
			Name:       "report (1).xlsx",
			UploadURL:  uploadURL,
			ContentURL: "https://drive.example/report.xlsx",
			UniqueID:   "uid-1",
			FileType:   "xlsx",
		},
	}
}

func TestNewTransfer_RequiresStore(t *testing.T) {
	_, err := NewTransfer(nil)
	require.Error(t, err)
}

func TestTransferState_Terminal(t *testing.T) {
	require.False(t, TransferOffered.Terminal())
	require.False(t, TransferAccepted.Terminal())
	require.False(t, TransferUploading.Terminal())
	require.True(t, TransferUploaded.Terminal())
	require.True(t, TransferUploadFailed.Terminal())
	require.True(t, TransferDeclined.Terminal())
	require.Equal(t, "upload_failed", TransferUploadFailed.String())
	require.Equal(t, "unknown", TransferState(0).String())
}

func TestOffer_SendsConsentCardOnly(t *testing.T) {
	tr, turn := newTransferEnv(t)

	state, err := tr.Offer(context.Background(), turn, "report.xlsx")
	require.NoError(t, err)
	require.Equal(t, TransferOffered, state)

	sent := turn.sentActivities()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Attachments, 1)
	card := decodeContent[domain.FileConsentCard](t, sent[0].Attachments[0])
	require.Equal(t, "This is the file I want to send you", card.Description)
	require.Equal(t, int64(10), card.SizeInBytes)
}

func TestOffer_MissingFile(t *testing.T) {
	tr, turn := newTransferEnv(t)

	_, err := tr.Offer(context.Background(), turn, "missing.xlsx")
	require.Equal(t, "artifact_unavailable", ReasonOf(err))
	require.Empty(t, turn.sentActivities())
}

func TestAccept_UploadsWholeFileInOneRange(t *testing.T) {
	rec := &uploadRecorder{status: http.StatusCreated}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	tr, turn := newTransferEnv(t)
	state, err := tr.Accept(context.Background(), turn, acceptResponse(srv.URL))
	require.NoError(t, err)
	require.Equal(t, TransferUploaded, state)

	rec.mu.Lock()
	require.Equal(t, http.MethodPut, rec.method)
	require.Equal(t, int64(10), rec.length)
	require.Equal(t, "bytes 0-9/10", rec.rng)
	require.Equal(t, "0123456789", rec.body)
	rec.mu.Unlock()

	sent := turn.sentActivities()
	require.Len(t, sent, 2)
	require.Equal(t, "<b>Report uploaded to your OneDrive.</b> Your report <b>report.xlsx</b> is ready to download", sent[0].Text)
	require.Len(t, sent[0].Attachments, 1)
	att := sent[0].Attachments[0]
	require.Equal(t, domain.ContentTypeFileInfoCard, att.ContentType)
	require.Equal(t, "report (1).xlsx", att.Name)
	require.Equal(t, "https://drive.example/report.xlsx", att.ContentURL)
	info := decodeContent[domain.FileInfoCard](t, att)
	require.Equal(t, "uid-1", info.UniqueID)
	require.Equal(t, "xlsx", info.FileType)
	require.Equal(t, textUploadFollowUp, sent[1].Text)
}

func TestAccept_ConsentContextAsString(t *testing.T) {
	rec := &uploadRecorder{status: http.StatusCreated}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	tr, turn := newTransferEnv(t)
	resp := acceptResponse(srv.URL)
	resp.Context = json.RawMessage(`"{\"filename\":\"report_template.csv\"}"`)

	state, err := tr.Accept(context.Background(), turn, resp)
	require.NoError(t, err)
	require.Equal(t, TransferUploaded, state)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, "name,threshold\n", rec.body)
}

func TestAccept_FailureEndsInUploadFailed(t *testing.T) {
	failText := "<b>File upload failed.</b> Error: <pre>Unable to upload file.</pre>"

	t.Run("non 201", func(t *testing.T) {
		for _, status := range []int{http.StatusOK, http.StatusAccepted, http.StatusForbidden, http.StatusInternalServerError} {
			rec := &uploadRecorder{status: status}
			srv := httptest.NewServer(rec)

			tr, turn := newTransferEnv(t)
			state, err := tr.Accept(context.Background(), turn, acceptResponse(srv.URL))
			srv.Close()

			require.NoError(t, err)
			require.Equal(t, TransferUploadFailed, state, "status %d", status)
			require.Equal(t, []string{failText}, turn.texts())
		}
	})

	t.Run("timeout", func(t *testing.T) {
		rec := &uploadRecorder{blockOn: true}
		srv := httptest.NewServer(rec)
		defer srv.Close()

		tr, turn := newTransferEnv(t, WithUploadTimeout(50*time.Millisecond))
		start := time.Now()
		state, err := tr.Accept(context.Background(), turn, acceptResponse(srv.URL))
		require.NoError(t, err)
		require.Equal(t, TransferUploadFailed, state)
		require.Less(t, time.Since(start), time.Second)
		require.Equal(t, []string{failText}, turn.texts())
	})

	t.Run("missing upload url", func(t *testing.T) {
		tr, turn := newTransferEnv(t)
		resp := acceptResponse("")
		state, err := tr.Accept(context.Background(), turn, resp)
		require.NoError(t, err)
		require.Equal(t, TransferUploadFailed, state)

		resp.UploadInfo = nil
		state, err = tr.Accept(context.Background(), turn, resp)
		require.NoError(t, err)
		require.Equal(t, TransferUploadFailed, state)
	})

	t.Run("missing context", func(t *testing.T) {
		rec := &uploadRecorder{status: http.StatusCreated}
		srv := httptest.NewServer(rec)
		defer srv.Close()

		tr, turn := newTransferEnv(t)
		resp := acceptResponse(srv.URL)
		resp.Context = nil
		state, err := tr.Accept(context.Background(), turn, resp)
		require.NoError(t, err)
		require.Equal(t, TransferUploadFailed, state)
		rec.mu.Lock()
		require.Zero(t, rec.calls)
		rec.mu.Unlock()
	})

	t.Run("empty file", func(t *testing.T) {
		rec := &uploadRecorder{status: http.StatusCreated}
		srv := httptest.NewServer(rec)
		defer srv.Close()

		store := newTestStore(t)
		p, err := store.Path("empty.csv")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(p, nil, 0o600))
		tr, err := NewTransfer(store)
		require.NoError(t, err)
		turn := newTurn("")

		resp := acceptResponse(srv.URL)
		resp.Context = json.RawMessage(`{"filename":"empty.csv"}`)
		state, err := tr.Accept(context.Background(), turn, resp)
		require.NoError(t, err)
		require.Equal(t, TransferUploadFailed, state)
		rec.mu.Lock()
		require.Zero(t, rec.calls)
		rec.mu.Unlock()
	})
}

func TestAccept_SendFailureIsUpstreamError(t *testing.T) {
	rec := &uploadRecorder{status: http.StatusCreated}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	tr, turn := newTransferEnv(t)
	turn.sendErr = errors.New("connector down")
	state, err := tr.Accept(context.Background(), turn, acceptResponse(srv.URL))
	require.Equal(t, TransferUploaded, state)
	require.Equal(t, "send_file_info_card", ReasonOf(err))
}

func TestDecline_NeverUploads(t *testing.T) {
	rec := &uploadRecorder{status: http.StatusCreated}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	tr, turn := newTransferEnv(t)
	resp := acceptResponse(srv.URL)
	resp.Action = domain.ConsentActionDecline

	state, err := tr.Decline(context.Background(), turn, resp)
	require.NoError(t, err)
	require.Equal(t, TransferDeclined, state)
	require.Equal(t, []string{"Declined. We won't upload file <b>report.xlsx</b>."}, turn.texts())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Zero(t, rec.calls)
}

func downloadAttachment(name, url string) domain.Attachment {
	content, _ := json.Marshal(domain.FileDownloadInfo{DownloadURL: url})
	return domain.Attachment{ContentType: domain.ContentTypeFileDownloadInfo, Name: name, Content: content}
}

func TestReceive_FollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/file", http.StatusFound)
	})
	mux.HandleFunc("/file", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("\xEF\xBB\xBFa,b\n1,2\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr, _ := newTransferEnv(t)
	got, err := tr.Receive(context.Background(), downloadAttachment("t.csv", srv.URL+"/start"))
	require.NoError(t, err)
	require.Equal(t, ReceivedFile{Name: "t.csv", Size: 11, Columns: []string{"a", "b"}}, got)
}

func TestReceive_RejectedTemplateIsNotKept(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/good", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("a,b\n1,2\n"))
	})
	mux.HandleFunc("/ragged", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("a,b,c\n1,2\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newTestStore(t)
	tr, err := NewTransfer(store)
	require.NoError(t, err)

	_, err = tr.Receive(context.Background(), downloadAttachment("params.csv", srv.URL+"/good"))
	require.NoError(t, err)

	_, err = tr.Receive(context.Background(), downloadAttachment("params.csv", srv.URL+"/ragged"))
	require.Equal(t, "template_invalid", ReasonOf(err))

	p, err := store.UploadPath("params.csv")
	require.NoError(t, err)
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	require.Equal(t, "a,b\n1,2\n", string(b))
}

func TestReceive_Errors(t *testing.T) {
	big := strings.Repeat("x", 70<<10)
	mux := http.NewServeMux()
	mux.HandleFunc("/big", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(big))
	})
	mux.HandleFunc("/empty", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cases := []struct {
		name   string
		att    domain.Attachment
		reason string
	}{
		{name: "traversal", att: downloadAttachment("../x.csv", srv.URL+"/empty"), reason: "invalid_attachment"},
		{name: "no url", att: downloadAttachment("x.csv", ""), reason: "invalid_attachment"},
		{name: "bad content", att: domain.Attachment{Name: "x.csv", Content: json.RawMessage(`[]`)}, reason: "invalid_attachment"},
		{name: "status", att: downloadAttachment("x.csv", srv.URL+"/gone"), reason: "download_failed"},
		{name: "too large", att: downloadAttachment("x.csv", srv.URL+"/big"), reason: "file_too_large"},
		{name: "empty", att: downloadAttachment("x.csv", srv.URL+"/empty"), reason: "template_invalid"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr, _ := newTransferEnv(t)
			_, err := tr.Receive(context.Background(), tc.att)
			require.Equal(t, tc.reason, ReasonOf(err))
		})
	}
}

func TestReceive_StatusErrorCarriesCode(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	tr, _ := newTransferEnv(t)
	_, err := tr.Receive(context.Background(), downloadAttachment("x.csv", srv.URL))

	var statusErr *DownloadStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusForbidden, statusErr.HTTPStatusCode())
	require.Equal(t, int32(1), hits.Load())
}

func TestTemplateProblem(t *testing.T) {
	tr, _ := newTransferEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("a,\"b\n"))
	}))
	defer srv.Close()

	_, err := tr.Receive(context.Background(), downloadAttachment("q.csv", srv.URL))
	require.Equal(t, "template_invalid", ReasonOf(err))
	require.Contains(t, templateProblem(err), "quote")

	require.Equal(t, "the file is not valid CSV", templateProblem(errors.New("other")))
}

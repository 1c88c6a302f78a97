package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/rcliao/voicekb/internal/apperr"
	"github.com/rcliao/voicekb/internal/knowledge"
)

type createKBRequest struct {
	OwnerUserID string `json:"owner_user_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type addDocumentRequest struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
}

type queryRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.New(apperr.InvalidInput, "malformed request body")
	}
	return nil
}

func (s *Server) createKnowledgeBase(c echo.Context) error {
	var req createKBRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	kb, err := s.knowledge.CreateKnowledgeBase(c.Request().Context(), req.OwnerUserID, req.Name, req.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, kb)
}

func (s *Server) listKnowledgeBases(c echo.Context) error {
	kbs, err := s.knowledge.ListKnowledgeBases(c.Request().Context(), c.QueryParam("owner"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, kbs)
}

func (s *Server) getKnowledgeBase(c echo.Context) error {
	kb, err := s.knowledge.GetKnowledgeBase(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, kb)
}

func (s *Server) deleteKnowledgeBase(c echo.Context) error {
	if err := s.knowledge.DeleteKnowledgeBase(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) exportKnowledgeBase(c echo.Context) error {
	b, err := s.knowledge.Export(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}

func (s *Server) importKnowledgeBase(c echo.Context) error {
	var b knowledge.Bundle
	if err := bind(c, &b); err != nil {
		return err
	}
	res, err := s.knowledge.Import(c.Request().Context(), c.QueryParam("owner"), &b)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

func (s *Server) addDocument(c echo.Context) error {
	var req addDocumentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	id, err := s.knowledge.AddDocument(c.Request().Context(), c.Param("id"), req.Text, req.Metadata)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"doc_id": id})
}

func (s *Server) listDocuments(c echo.Context) error {
	docs, err := s.knowledge.ListDocuments(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, docs)
}

func (s *Server) deleteDocument(c echo.Context) error {
	n, err := s.knowledge.DeleteDocument(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"deleted_chunks": n})
}

func (s *Server) query(c echo.Context) error {
	var req queryRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	snippets, err := s.knowledge.QueryKnowledge(c.Request().Context(), c.Param("id"), req.Query, req.TopK)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"snippets": snippets})
}

func (s *Server) search(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	chunks, err := s.knowledge.SearchText(c.Request().Context(), c.Param("id"), c.QueryParam("q"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, chunks)
}

func (s *Server) listCalls(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.ActiveCalls())
}

func (s *Server) getCall(c echo.Context) error {
	cs, err := s.engine.Session(c.Request().Context(), c.Param("sid"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cs)
}

func (s *Server) transcript(c echo.Context) error {
	msgs, err := s.engine.Transcript(c.Request().Context(), c.Param("sid"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) endCall(c echo.Context) error {
	cs, err := s.engine.EndCall(c.Request().Context(), c.Param("sid"), "api")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cs)
}

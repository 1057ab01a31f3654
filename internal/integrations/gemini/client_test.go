package gemini

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeModels struct {
	embedding []float32
	answer    string
	err       error

	lastModel  string
	lastText   string
	lastConfig *genai.GenerateContentConfig
}

func (f *fakeModels) EmbedContent(_ context.Context, model string, contents []*genai.Content, _ *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
	f.lastModel = model
	f.lastText = contents[0].Parts[0].Text
	if f.err != nil {
		return nil, f.err
	}
	return &genai.EmbedContentResponse{Embeddings: []*genai.ContentEmbedding{{Values: f.embedding}}}, nil
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.lastModel = model
	f.lastText = contents[0].Parts[0].Text
	f.lastConfig = config
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: f.answer}}},
	}}}, nil
}

func TestNewClient_RequiresKey(t *testing.T) {
	_, err := NewClient(context.Background(), " ")
	require.ErrorContains(t, err, "GEMINI_API_KEY")
}

func TestEmbed(t *testing.T) {
	fake := &fakeModels{embedding: make([]float32, EmbeddingDim)}
	c := newClient(fake)

	vec, err := c.Embed(context.Background(), "  mouse \n sem   fio ")
	require.NoError(t, err)
	require.Len(t, vec, EmbeddingDim)
	require.Equal(t, DefaultEmbeddingModel, fake.lastModel)
	require.Equal(t, "mouse sem fio", fake.lastText)
}

func TestEmbed_Errors(t *testing.T) {
	c := newClient(&fakeModels{})
	_, err := c.Embed(context.Background(), "   ")
	require.ErrorContains(t, err, "empty text")

	c = newClient(&fakeModels{embedding: []float32{1, 2}})
	_, err = c.Embed(context.Background(), "x")
	require.ErrorContains(t, err, "unexpected embedding size 2")

	c = newClient(&fakeModels{err: errors.New("quota")})
	_, err = c.Embed(context.Background(), "x")
	require.ErrorContains(t, err, "quota")
}

func TestGenerate(t *testing.T) {
	fake := &fakeModels{answer: "  Resposta  "}
	c := newClient(fake, WithChatModel("gemini-2.5-pro"), WithJSONOutput())

	got, err := c.Generate(context.Background(), "Pergunta")
	require.NoError(t, err)
	require.Equal(t, "Resposta", got)
	require.Equal(t, "gemini-2.5-pro", fake.lastModel)
	require.Equal(t, "gemini-2.5-pro", c.Model())
	require.Equal(t, "application/json", fake.lastConfig.ResponseMIMEType)
	require.Equal(t, float32(0), *fake.lastConfig.Temperature)
}

func TestGenerate_Errors(t *testing.T) {
	c := newClient(&fakeModels{})
	_, err := c.Generate(context.Background(), "")
	require.ErrorContains(t, err, "prompt must not be empty")

	_, err = c.Generate(context.Background(), "x")
	require.ErrorContains(t, err, "empty text")

	c = newClient(&fakeModels{err: errors.New("boom")})
	_, err = c.Generate(context.Background(), "x")
	require.ErrorContains(t, err, "generate content: boom")
}

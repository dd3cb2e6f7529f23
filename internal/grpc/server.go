package grpc

import (
	"context"
	"errors"

	"metachat/chat-sync/internal/models"
	"metachat/chat-sync/internal/service"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	pb "github.com/kegazani/metachat-proto/chat"
)

type ChatServer struct {
	pb.UnimplementedChatServiceServer
	service service.ChatService
	logger  *logrus.Logger
}

func NewChatServer(svc service.ChatService, logger *logrus.Logger) *ChatServer {
	return &ChatServer{
		service: svc,
		logger:  logger,
	}
}

// toStatus maps service errors onto gRPC codes. Anything unrecognised is
// reported as Internal with the operation name.
func toStatus(err error, op string) error {
	switch {
	case errors.Is(err, models.ErrChatNotFound):
		return status.Error(codes.NotFound, "chat not found")
	case errors.Is(err, models.ErrMessageNotFound):
		return status.Error(codes.NotFound, "message not found")
	case errors.Is(err, models.ErrUserNotFound):
		return status.Error(codes.NotFound, "user not found")
	case errors.Is(err, models.ErrNotParticipant):
		return status.Error(codes.PermissionDenied, err.Error())
	case models.IsValidation(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, models.ErrTransportFailure):
		return status.Errorf(codes.Unavailable, "failed to %s: %v", op, err)
	default:
		return status.Errorf(codes.Internal, "failed to %s: %v", op, err)
	}
}

// CreateChat returns the chat between the two users, creating it on first
// contact. UserId1 is recorded as the creator.
func (s *ChatServer) CreateChat(ctx context.Context, req *pb.CreateChatRequest) (*pb.CreateChatResponse, error) {
	s.logger.WithFields(logrus.Fields{
		"user_id1": req.UserId1,
		"user_id2": req.UserId2,
	}).Info("Creating chat via gRPC")

	chat, err := s.service.GetOrCreateChat(ctx, req.UserId1, req.UserId2)
	if err != nil {
		s.logger.WithError(err).Error("Failed to create chat")
		return nil, toStatus(err, "create chat")
	}

	return &pb.CreateChatResponse{
		Chat: s.chatToProto(chat),
	}, nil
}

func (s *ChatServer) GetChat(ctx context.Context, req *pb.GetChatRequest) (*pb.GetChatResponse, error) {
	s.logger.WithField("chat_id", req.ChatId).Info("Getting chat via gRPC")

	chat, err := s.service.GetChat(ctx, req.ChatId)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get chat")
		return nil, toStatus(err, "get chat")
	}

	return &pb.GetChatResponse{
		Chat: s.chatToProto(chat),
	}, nil
}

func (s *ChatServer) GetUserChats(ctx context.Context, req *pb.GetUserChatsRequest) (*pb.GetUserChatsResponse, error) {
	s.logger.WithField("user_id", req.UserId).Info("Getting user chats via gRPC")

	chats, err := s.service.GetUserChats(ctx, req.UserId)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get user chats")
		return nil, toStatus(err, "get user chats")
	}

	return &pb.GetUserChatsResponse{
		Chats: lo.Map(chats, func(c *models.Chat, _ int) *pb.Chat { return s.chatToProto(c) }),
	}, nil
}

func (s *ChatServer) SendMessage(ctx context.Context, req *pb.SendMessageRequest) (*pb.SendMessageResponse, error) {
	s.logger.WithFields(logrus.Fields{
		"chat_id":   req.ChatId,
		"sender_id": req.SenderId,
	}).Info("Sending message via gRPC")

	msg, err := s.service.SendMessage(ctx, req.ChatId, req.SenderId, req.Content)
	if err != nil {
		s.logger.WithError(err).Error("Failed to send message")
		return nil, toStatus(err, "send message")
	}

	return &pb.SendMessageResponse{
		Message: s.messageToProto(msg, nil),
	}, nil
}

func (s *ChatServer) GetChatMessages(ctx context.Context, req *pb.GetChatMessagesRequest) (*pb.GetChatMessagesResponse, error) {
	s.logger.WithField("chat_id", req.ChatId).Info("Getting chat messages via gRPC")

	messages, err := s.service.GetChatMessages(ctx, req.ChatId, int(req.Limit), req.BeforeMessageId)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get chat messages")
		return nil, toStatus(err, "get chat messages")
	}

	// Seen messages carry the recipient's read marker as ReadAt.
	chat, err := s.service.GetChat(ctx, req.ChatId)
	if err != nil {
		return nil, toStatus(err, "get chat messages")
	}

	return &pb.GetChatMessagesResponse{
		Messages: lo.Map(messages, func(m *models.Message, _ int) *pb.Message { return s.messageToProto(m, chat) }),
	}, nil
}

// MarkMessagesAsRead is the active-view signal from a client that has the
// chat open.
func (s *ChatServer) MarkMessagesAsRead(ctx context.Context, req *pb.MarkMessagesAsReadRequest) (*pb.MarkMessagesAsReadResponse, error) {
	s.logger.WithFields(logrus.Fields{
		"chat_id": req.ChatId,
		"user_id": req.UserId,
	}).Info("Marking messages as read via gRPC")

	count, err := s.service.MarkMessagesAsRead(ctx, req.ChatId, req.UserId)
	if err != nil {
		s.logger.WithError(err).Error("Failed to mark messages as read")
		return nil, toStatus(err, "mark messages as read")
	}

	return &pb.MarkMessagesAsReadResponse{
		MarkedCount: int32(count),
	}, nil
}

func (s *ChatServer) chatToProto(chat *models.Chat) *pb.Chat {
	return &pb.Chat{
		Id:        chat.ID,
		UserId1:   chat.UserID1,
		UserId2:   chat.UserID2,
		CreatedAt: timestamppb.New(chat.CreatedAt),
		UpdatedAt: timestamppb.New(chat.UpdatedAt),
	}
}

func (s *ChatServer) messageToProto(msg *models.Message, chat *models.Chat) *pb.Message {
	protoMsg := &pb.Message{
		Id:        msg.ID,
		ChatId:    msg.ChatID,
		SenderId:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: timestamppb.New(msg.CreatedAt),
	}

	if msg.Status == models.StatusSeen && chat != nil {
		if readAt := chat.LastRead[chat.Other(msg.SenderID)]; readAt != nil {
			protoMsg.ReadAt = timestamppb.New(*readAt)
		}
	}

	return protoMsg
}
